package storage

import "errors"

// Error taxonomy for storage operations. Callers branch on these with
// errors.Is; the concrete failure detail travels in the wrapped error.
var (
	// ErrNotFound means a file, chunk or mapping does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrNotConfigured means the profile requires a capability that
	// was not supplied: an encryption key, cloud credentials, a local
	// root path.
	ErrNotConfigured = errors.New("storage: not configured")

	// ErrNotSupported means a valid but unimplemented combination was
	// requested, such as direct file access on a chunked profile or a
	// directory listing on the cloud backend.
	ErrNotSupported = errors.New("storage: not supported")

	// ErrEncryption means decryption or envelope verification failed.
	ErrEncryption = errors.New("storage: encryption failure")

	// ErrCloud wraps backend failures on cloud profiles.
	ErrCloud = errors.New("storage: cloud backend failure")

	// ErrCorrupt means stored data contradicts its metadata: a chunk
	// checksum mismatch or a reconstruction size shortfall.
	ErrCorrupt = errors.New("storage: corrupt data")
)
