package localfs

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"

	"github.com/nxdrive/drivesync/internal/state"
)

// DefaultAlgorithm is used when the server does not advertise one.
const DefaultAlgorithm = "md5"

// NewHash returns a hash for a digest algorithm name.
func NewHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "md5", "":
		return md5.New(), nil
	case "sha256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}

// Digest hashes the content of the file rel.
func (c *Client) Digest(rel, algorithm string) (state.Digest, error) {
	return DigestFile(c.Abspath(rel), algorithm)
}

// DigestFile hashes an OS path.
func DigestFile(abs, algorithm string) (state.Digest, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	h, err := NewHash(algorithm)
	if err != nil {
		return state.Digest{}, err
	}

	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return state.Digest{}, fmt.Errorf("%w: %s", ErrNotFound, abs)
		}
		if isLockError(err) {
			return state.Digest{}, fmt.Errorf("%w: %s", ErrLocked, abs)
		}
		return state.Digest{}, fmt.Errorf("failed to open %s: %w", abs, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		if isLockError(err) {
			return state.Digest{}, fmt.Errorf("%w: %s", ErrLocked, abs)
		}
		return state.Digest{}, fmt.Errorf("failed to read %s: %w", abs, err)
	}
	return state.Digest{Algorithm: algorithm, Value: hex.EncodeToString(h.Sum(nil))}, nil
}

// DigestBytes hashes an in-memory payload.
func DigestBytes(data []byte, algorithm string) state.Digest {
	h, err := NewHash(algorithm)
	if err != nil {
		h, algorithm = md5.New(), DefaultAlgorithm
	}
	h.Write(data)
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return state.Digest{Algorithm: algorithm, Value: hex.EncodeToString(h.Sum(nil))}
}
