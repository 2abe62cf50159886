// Package encryption seals and opens the AEAD envelopes used for
// chunk and file payloads.
//
// The canonical envelope (FormatV1) is explicit and versioned:
//
//	[1-byte version][1-byte nonce length][nonce][ciphertext+tag]
//
// Two legacy layouts remain readable because libraries written by
// earlier releases contain them: a bare 12-byte-nonce AES-GCM prefix
// and a 24-byte-nonce XChaCha20-Poly1305 prefix (libsodium
// compatible). The format is recorded on the chunk or profile record
// and passed in by the caller, never inferred from payload length.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes for all formats.
const KeySize = 32

// Format identifies an envelope layout.
type Format string

const (
	// FormatV1 is the canonical versioned envelope, AES-256-GCM.
	FormatV1 Format = "v1"

	// FormatLegacyGCM is a bare 12-byte nonce followed by
	// AES-256-GCM ciphertext+tag.
	FormatLegacyGCM Format = "legacy-gcm"

	// FormatLegacyXChaCha is a bare 24-byte nonce followed by
	// XChaCha20-Poly1305 ciphertext+tag.
	FormatLegacyXChaCha Format = "legacy-xchacha"
)

const envelopeVersion1 = 0x01

var (
	// ErrInvalidKey is returned when key material has the wrong length.
	ErrInvalidKey = errors.New("encryption: invalid key")

	// ErrDecrypt is returned when an envelope cannot be opened:
	// truncated payload, unknown version, or authentication failure.
	// Callers never receive partially decrypted output.
	ErrDecrypt = errors.New("encryption: decrypt failed")
)

// Service encrypts and decrypts payloads with a single 256-bit key.
// Safe for concurrent use.
type Service struct {
	gcm     cipher.AEAD
	xchacha cipher.AEAD
}

// NewService creates a Service from a 32-byte key.
func NewService(key []byte) (*Service, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	xchacha, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305: %w", err)
	}

	return &Service{gcm: gcm, xchacha: xchacha}, nil
}

// NewServiceFromHex creates a Service from a hex-encoded 32-byte key.
func NewServiceFromHex(s string) (*Service, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding hex key: %v", ErrInvalidKey, err)
	}
	return NewService(key)
}

// Seal encrypts plain into a canonical FormatV1 envelope with a fresh
// random nonce.
func (s *Service) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, 2+len(nonce)+len(plain)+s.gcm.Overhead())
	out = append(out, envelopeVersion1, byte(len(nonce)))
	out = append(out, nonce...)
	return s.gcm.Seal(out, nonce, plain, nil), nil
}

// Open decrypts an envelope of the given format. Truncated envelopes,
// unknown versions, and tag mismatches all return an error wrapping
// ErrDecrypt.
func (s *Service) Open(format Format, env []byte) ([]byte, error) {
	switch format {
	case FormatV1, "":
		// Records written before formats were tracked carry an empty
		// format and are canonical.
		return s.openV1(env)
	case FormatLegacyGCM:
		return s.openPrefixed(s.gcm, env)
	case FormatLegacyXChaCha:
		return s.openPrefixed(s.xchacha, env)
	default:
		return nil, fmt.Errorf("%w: unknown envelope format %q", ErrDecrypt, format)
	}
}

func (s *Service) openV1(env []byte) ([]byte, error) {
	if len(env) < 2 {
		return nil, fmt.Errorf("%w: envelope truncated before header", ErrDecrypt)
	}
	if env[0] != envelopeVersion1 {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrDecrypt, env[0])
	}
	nonceLen := int(env[1])
	if nonceLen != s.gcm.NonceSize() {
		return nil, fmt.Errorf("%w: unexpected nonce length %d", ErrDecrypt, nonceLen)
	}
	if len(env) < 2+nonceLen+s.gcm.Overhead() {
		return nil, fmt.Errorf("%w: envelope truncated", ErrDecrypt)
	}

	nonce := env[2 : 2+nonceLen]
	plain, err := s.gcm.Open(nil, nonce, env[2+nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if plain == nil {
		// Open returns nil for an empty plaintext; callers always get a
		// non-nil slice back.
		plain = []byte{}
	}
	return plain, nil
}

func (s *Service) openPrefixed(aead cipher.AEAD, env []byte) ([]byte, error) {
	if len(env) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: envelope truncated", ErrDecrypt)
	}

	nonce := env[:aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, env[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

// SealLegacyGCM writes the bare-nonce legacy GCM layout. Only used by
// tests and migration tooling; new data is always sealed as FormatV1.
func (s *Service) SealLegacyGCM(plain []byte) ([]byte, error) {
	return s.sealPrefixed(s.gcm, plain)
}

// SealLegacyXChaCha writes the bare-nonce legacy XChaCha layout. Only
// used by tests and migration tooling.
func (s *Service) SealLegacyXChaCha(plain []byte) ([]byte, error) {
	return s.sealPrefixed(s.xchacha, plain)
}

func (s *Service) sealPrefixed(aead cipher.AEAD, plain []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}
