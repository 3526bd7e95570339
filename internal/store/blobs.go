package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Blobs is a content-addressed directory: <root>/sha256/<aa>/<digest>.
type Blobs struct {
	root string
}

// NewBlobs creates the blob directory.
func NewBlobs(root string) (*Blobs, error) {
	if err := os.MkdirAll(filepath.Join(root, "sha256"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Blobs{root: root}, nil
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Path returns where a digest is stored.
func (b *Blobs) Path(digest string) string {
	prefix := digest
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(b.root, "sha256", prefix, digest)
}

// Put stores data and returns its digest. Storing the same content twice
// writes it once.
func (b *Blobs) Put(data []byte) (string, error) {
	digest := Digest(data)
	path := b.Path(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return digest, nil
}

// Get reads a blob and checks its content against the digest.
func (b *Blobs) Get(digest string) ([]byte, error) {
	data, err := os.ReadFile(b.Path(digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", digest, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if got := Digest(data); got != digest {
		return nil, fmt.Errorf("blob %s is corrupt (content digest %s)", digest, got)
	}
	return data, nil
}
