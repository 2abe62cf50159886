// Package mediaurl builds and parses the quaver:// URLs the GUI layer
// uses to reference media, and resolves them to bytes plus a MIME type.
package mediaurl

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Scheme is the custom protocol scheme served to the GUI layer.
const Scheme = "quaver"

// Kind discriminates the two URL families.
type Kind string

const (
	// KindLocal references an absolute path on the local filesystem.
	KindLocal Kind = "local"

	// KindImage references a chunk-backed image by its file id.
	KindImage Kind = "image"
)

// ErrInvalidURL is returned for URLs that are not valid quaver:// URLs.
var ErrInvalidURL = errors.New("mediaurl: invalid url")

// Request is a parsed quaver:// URL.
type Request struct {
	Kind Kind

	// Path is the absolute local path for KindLocal.
	Path string

	// ImageID is the file id for KindImage.
	ImageID string
}

// LocalFileURL builds a quaver://local/ URL for an absolute path. Each
// path segment is URL-escaped individually so separators survive names
// with spaces or reserved characters.
func LocalFileURL(absPath string) string {
	segments := strings.Split(strings.TrimPrefix(absPath, "/"), "/")
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s://%s/%s", Scheme, KindLocal, strings.Join(escaped, "/"))
}

// ImageURL builds a quaver://image/ URL for a chunk-backed image.
func ImageURL(imageID string) string {
	return fmt.Sprintf("%s://%s/%s", Scheme, KindImage, url.PathEscape(imageID))
}

// Parse parses a quaver:// URL.
func Parse(raw string) (*Request, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}

	rest := strings.TrimPrefix(u.Path, "/")
	switch Kind(u.Host) {
	case KindLocal:
		if rest == "" {
			return nil, fmt.Errorf("%w: empty local path", ErrInvalidURL)
		}
		segments := strings.Split(rest, "/")
		decoded := make([]string, len(segments))
		for i, seg := range segments {
			s, err := url.PathUnescape(seg)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
			}
			decoded[i] = s
		}
		return &Request{Kind: KindLocal, Path: "/" + strings.Join(decoded, "/")}, nil
	case KindImage:
		id, err := url.PathUnescape(rest)
		if err != nil || id == "" {
			return nil, fmt.Errorf("%w: bad image id", ErrInvalidURL)
		}
		return &Request{Kind: KindImage, ImageID: id}, nil
	default:
		return nil, fmt.Errorf("%w: unknown host %q", ErrInvalidURL, u.Host)
	}
}

// mimeTypes maps lowercased extensions to content types for the media
// the library actually serves.
var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".flac": "audio/flac",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
}

// MIMEType returns the content type for a filename by extension,
// defaulting to application/octet-stream.
func MIMEType(name string) string {
	if mt, ok := mimeTypes[strings.ToLower(path.Ext(name))]; ok {
		return mt
	}
	return "application/octet-stream"
}
