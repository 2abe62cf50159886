package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/quaverhq/quaver"
	"github.com/quaverhq/quaver/metadb"
	"github.com/quaverhq/quaver/storage"
)

// PutCmd packs local files into a release on a storage profile.
type PutCmd struct {
	Release string   `help:"Release ID to pack into." required:""`
	Profile string   `help:"Storage profile ID, defaults to the default profile."`
	Files   []string `arg:"" help:"Files to pack." type:"existingfile"`
}

func (c *PutCmd) Run(a *app) error {
	ctx := context.Background()

	profile, err := a.profileFor(ctx, c.Profile)
	if err != nil {
		return err
	}

	files := make([]storage.FileData, 0, len(c.Files))
	for _, path := range c.Files {
		data, hash, err := readInputFile(path)
		if err != nil {
			return err
		}
		a.logger.Debug("read input file",
			"name", filepath.Base(path), "bytes", len(data), "hash", hash.ShortString())
		files = append(files, storage.FileData{
			Name: filepath.Base(path),
			Data: data,
		})
	}

	if profile.Chunked {
		result, err := a.packer.PackRelease(ctx, profile, c.Release, files)
		if err != nil {
			return err
		}
		fmt.Printf("packed %d files into %d chunks (%d bytes)\n",
			len(result.Files), len(result.Chunks), result.Bytes)
		return nil
	}

	for _, f := range files {
		if err := a.releases.WriteFile(ctx, profile, c.Release, f.Name, f.Data); err != nil {
			return fmt.Errorf("writing %s: %w", f.Name, err)
		}
	}
	fmt.Printf("stored %d files\n", len(files))
	return nil
}

// readInputFile reads a file to memory, hashing the content as it
// streams in.
func readInputFile(path string) ([]byte, quaver.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, quaver.Hash{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	hr := quaver.NewHashingReader(f)
	data, err := io.ReadAll(hr)
	if err != nil {
		return nil, quaver.Hash{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, hr.Sum(), nil
}

// GetCmd fetches a single file from a release.
type GetCmd struct {
	Release string `help:"Release ID." required:""`
	Profile string `help:"Storage profile ID, defaults to the default profile."`
	Output  string `help:"Output path, defaults to the file name." short:"o"`
	Name    string `arg:"" help:"File name within the release."`
}

func (c *GetCmd) Run(a *app) error {
	ctx := context.Background()

	profile, err := a.profileFor(ctx, c.Profile)
	if err != nil {
		return err
	}

	var data []byte
	if profile.Chunked {
		data, err = a.reconstructor.ReconstructFileByName(ctx, profile, c.Release, c.Name)
	} else {
		data, err = a.releases.ReadFile(ctx, profile, c.Release, c.Name)
	}
	if err != nil {
		return err
	}

	out := c.Output
	if out == "" {
		out = c.Name
	}
	if out == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

// LsCmd lists the files of a release.
type LsCmd struct {
	Profile string `help:"Storage profile ID, defaults to the default profile."`
	Release string `arg:"" help:"Release ID."`
}

func (c *LsCmd) Run(a *app) error {
	ctx := context.Background()

	profile, err := a.profileFor(ctx, c.Profile)
	if err != nil {
		return err
	}

	if profile.Chunked {
		files, err := a.db.FilesForRelease(ctx, c.Release)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Printf("%s\t%d\t%s\n", f.ID, f.Size, f.Name)
		}
		return nil
	}

	names, err := a.releases.ListFiles(ctx, profile, c.Release)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

// RmCmd removes a file from a release.
type RmCmd struct {
	Profile string `help:"Storage profile ID, defaults to the default profile."`
	Release string `arg:"" help:"Release ID."`
	Name    string `arg:"" help:"File name within the release."`
}

func (c *RmCmd) Run(a *app) error {
	ctx := context.Background()

	profile, err := a.profileFor(ctx, c.Profile)
	if err != nil {
		return err
	}

	if profile.Chunked {
		file, err := a.db.FileByName(ctx, c.Release, c.Name)
		if err != nil {
			return err
		}
		return a.db.DeleteFile(ctx, file.ID)
	}
	return a.releases.DeleteFile(ctx, profile, c.Release, c.Name)
}

// CacheCmd groups cache maintenance commands.
type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" help:"Show chunk cache statistics."`
}

type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(a *app) error {
	stats := a.cache.Stats()
	fmt.Printf("entries:      %d (max %d)\n", stats.Entries, stats.MaxFiles)
	fmt.Printf("pinned:       %d\n", stats.Pinned)
	fmt.Printf("used bytes:   %d (max %d)\n", stats.UsedBytes, stats.MaxSizeBytes)
	fmt.Printf("hits:         %d\n", stats.Hits)
	fmt.Printf("misses:       %d\n", stats.Misses)
	fmt.Printf("evictions:    %d\n", stats.Evictions)
	return nil
}

// ProfileCmd groups storage profile commands.
type ProfileCmd struct {
	Add ProfileAddCmd `cmd:"" help:"Create a storage profile."`
	Ls  ProfileLsCmd  `cmd:"" help:"List storage profiles."`
}

type ProfileAddCmd struct {
	ID        string `help:"Profile ID, generated when omitted."`
	Location  string `help:"Backing store location." enum:"local,cloud" default:"local"`
	Path      string `help:"Root directory for local profiles."`
	Encrypted bool   `help:"Encrypt stored data."`
	Chunked   bool   `help:"Store releases as content chunks."`
	Default   bool   `help:"Make this the default profile."`
	Name      string `arg:"" help:"Human-readable profile name."`
}

func (c *ProfileAddCmd) Run(a *app) error {
	ctx := context.Background()

	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}

	profile := &metadb.StorageProfile{
		ID:           id,
		Name:         c.Name,
		Location:     metadb.Location(c.Location),
		LocationPath: c.Path,
		Encrypted:    c.Encrypted,
		Chunked:      c.Chunked,
		IsDefault:    c.Default,
	}
	if err := a.db.PutProfile(ctx, profile); err != nil {
		return err
	}
	fmt.Println(profile.ID)
	return nil
}

type ProfileLsCmd struct{}

func (c *ProfileLsCmd) Run(a *app) error {
	profiles, err := a.db.ListProfiles(context.Background())
	if err != nil {
		return err
	}
	for _, p := range profiles {
		marker := " "
		if p.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\t%s\n", marker, p.ID, p.Location, p.Name)
	}
	return nil
}
