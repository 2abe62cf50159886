// Command quaver manages a chunked, optionally-encrypted media
// library: packing releases into chunks, fetching them back, and
// serving the quaver:// media protocol over local HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/quaverhq/quaver/cache"
	"github.com/quaverhq/quaver/config"
	"github.com/quaverhq/quaver/encryption"
	"github.com/quaverhq/quaver/mediaurl"
	"github.com/quaverhq/quaver/metadb"
	"github.com/quaverhq/quaver/storage"
)

var cli struct {
	Config   string `help:"Config file path." default:"quaver.yaml" type:"path"`
	LogLevel string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogJSON  bool   `help:"Log as JSON instead of text."`

	Put     PutCmd     `cmd:"" help:"Pack files into a release."`
	Get     GetCmd     `cmd:"" help:"Fetch a file from a release."`
	Ls      LsCmd      `cmd:"" help:"List the files of a release."`
	Rm      RmCmd      `cmd:"" help:"Remove a file from a release."`
	Cache   CacheCmd   `cmd:"" help:"Inspect the chunk cache."`
	Profile ProfileCmd `cmd:"" help:"Manage storage profiles."`
	Serve   ServeCmd   `cmd:"" help:"Serve the media protocol over HTTP."`
}

// app holds the wired-up components shared by all commands.
type app struct {
	cfg           *config.Config
	logger        *slog.Logger
	db            *metadb.DB
	cache         *cache.Cache
	backends      *storage.Backends
	releases      *storage.Releases
	reconstructor *storage.Reconstructor
	packer        *storage.Packer
	resolver      *mediaurl.Resolver
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("quaver"),
		kong.Description("Chunked media library storage."),
		kong.UsageOnError(),
	)

	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = a.db.Close() }()

	if err := kctx.Run(a); err != nil {
		a.logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newApp() (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	db := metadb.New(metadb.WithLogger(logger))
	if err := db.Open(cfg.DatabasePath); err != nil {
		return nil, err
	}

	c, err := cache.New(cache.Config{
		Dir:          cfg.CacheDir,
		MaxSizeBytes: cfg.MaxCacheSizeBytes,
		MaxFiles:     cfg.MaxCacheFiles,
	}, cache.WithLogger(logger))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var enc *encryption.Service
	if cfg.EncryptionKey != "" {
		enc, err = encryption.NewServiceFromHex(cfg.EncryptionKey)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("loading encryption key: %w", err)
		}
	}

	backends := storage.NewBackends()
	releases := storage.NewReleases(backends,
		storage.WithEncryption(enc),
		storage.WithReleasesLogger(logger))
	reconstructor := storage.NewReconstructor(db, c, backends,
		storage.WithReconstructorEncryption(enc),
		storage.WithReconstructorLogger(logger))
	packer := storage.NewPacker(db, backends,
		storage.WithPackerEncryption(enc),
		storage.WithPackerLogger(logger),
		storage.WithChunkSize(cfg.ChunkSizeBytes),
		storage.WithUploadConcurrency(cfg.UploadWorkers))

	return &app{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		cache:         c,
		backends:      backends,
		releases:      releases,
		reconstructor: reconstructor,
		packer:        packer,
		resolver:      mediaurl.NewResolver(db, reconstructor, releases, mediaurl.WithLogger(logger)),
	}, nil
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	if cli.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}
	return slog.New(handler), nil
}

// profileFor resolves the --profile flag, falling back to the default
// profile.
func (a *app) profileFor(ctx context.Context, id string) (*metadb.StorageProfile, error) {
	if id != "" {
		return a.db.GetProfile(ctx, id)
	}
	return a.db.DefaultProfile(ctx)
}
