package imagesource

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Local resolves images from a shard-structured directory on disk.
type Local struct {
	BaseDir string
	Ext     string
}

func NewLocal(baseDir string) *Local {
	return &Local{BaseDir: baseDir, Ext: "jpg"}
}

func (l *Local) path(sha256Hex string) (string, error) {
	rel, err := ShardPath("", sha256Hex, l.Ext)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.BaseDir, rel), nil
}

func (l *Local) Exists(_ context.Context, sha256Hex string) (bool, error) {
	p, err := l.path(sha256Hex)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (l *Local) Fetch(_ context.Context, sha256Hex, localPath string) (int64, error) {
	src, err := l.path(sha256Hex)
	if err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Wrapf(err, "opening local image %q", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, errors.Wrap(err, "creating destination directory")
	}
	out, err := os.Create(localPath)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %q", localPath)
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, errors.Wrap(err, "copying local image")
	}
	return n, nil
}

func (l *Local) Locator(sha256Hex string) (string, bool) {
	p, err := l.path(sha256Hex)
	if err != nil {
		return "", false
	}
	if _, statErr := os.Stat(p); statErr != nil {
		return "", false
	}
	return p, true
}
