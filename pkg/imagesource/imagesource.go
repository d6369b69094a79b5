// Package imagesource abstracts over where specimen images physically
// live (local disk, S3, plain HTTP, or a priority-ordered combination of
// those) behind a single SHA-256-keyed interface, plus a just-in-time
// local cache in front of remote sources.
package imagesource

import (
	"context"
	"fmt"
)

// Source resolves a specimen's SHA-256 hash to bytes, independent of
// where those bytes are actually stored.
type Source interface {
	// Exists reports whether an image is present without fetching it.
	Exists(ctx context.Context, sha256Hex string) (bool, error)
	// Fetch retrieves the image, writing it to localPath. Returns the
	// number of bytes written.
	Fetch(ctx context.Context, sha256Hex string, localPath string) (int64, error)
	// Locator returns a human-readable path/URL for the image, without
	// guaranteeing it has been fetched locally.
	Locator(sha256Hex string) (string, bool)
}

// ShardPath mirrors the original's hash-to-path scheme: prefix/ab/cd/<sha>.jpg
func ShardPath(prefix, sha256Hex, ext string) (string, error) {
	if len(sha256Hex) != 64 {
		return "", fmt.Errorf("invalid sha256 hash length: %d", len(sha256Hex))
	}
	if ext == "" {
		ext = "jpg"
	}
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.%s", sha256Hex[:2], sha256Hex[2:4], sha256Hex, ext), nil
	}
	return fmt.Sprintf("%s/%s/%s/%s.%s", prefix, sha256Hex[:2], sha256Hex[2:4], sha256Hex, ext), nil
}

// Multi tries each source in priority order, returning the first hit.
type Multi struct {
	Sources []Source
}

func NewMulti(sources ...Source) *Multi {
	return &Multi{Sources: sources}
}

func (m *Multi) Exists(ctx context.Context, sha256Hex string) (bool, error) {
	for _, s := range m.Sources {
		ok, err := s.Exists(ctx, sha256Hex)
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *Multi) Fetch(ctx context.Context, sha256Hex, localPath string) (int64, error) {
	var lastErr error
	for _, s := range m.Sources {
		ok, err := s.Exists(ctx, sha256Hex)
		if err != nil || !ok {
			continue
		}
		n, err := s.Fetch(ctx, sha256Hex, localPath)
		if err != nil {
			lastErr = err
			continue
		}
		return n, nil
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return 0, fmt.Errorf("image %s not found in any configured source", sha256Hex)
}

func (m *Multi) Locator(sha256Hex string) (string, bool) {
	for _, s := range m.Sources {
		if loc, ok := s.Locator(sha256Hex); ok {
			return loc, true
		}
	}
	return "", false
}
