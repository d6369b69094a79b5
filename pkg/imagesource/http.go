package imagesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// HTTP resolves images from a web server using the same shard scheme,
// rooted at BaseURL.
type HTTP struct {
	BaseURL string
	Ext     string
	Client  *http.Client
}

func NewHTTP(baseURL string) *HTTP {
	return &HTTP{BaseURL: baseURL, Ext: "jpg", Client: http.DefaultClient}
}

func (h *HTTP) url(sha256Hex string) (string, error) {
	rel, err := ShardPath("", sha256Hex, h.Ext)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", h.BaseURL, rel), nil
}

func (h *HTTP) Exists(ctx context.Context, sha256Hex string) (bool, error) {
	u, err := h.url(sha256Hex)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, errors.Wrap(err, "building HEAD request")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "checking remote image")
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (h *HTTP) Fetch(ctx context.Context, sha256Hex, localPath string) (int64, error) {
	u, err := h.url(sha256Hex)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, errors.Wrap(err, "building GET request")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "fetching remote image")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("fetching %q: status %d", u, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, errors.Wrap(err, "creating destination directory")
	}
	out, err := os.Create(localPath)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %q", localPath)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return n, errors.Wrap(err, "writing fetched image")
	}
	return n, nil
}

func (h *HTTP) Locator(sha256Hex string) (string, bool) {
	u, err := h.url(sha256Hex)
	if err != nil {
		return "", false
	}
	return u, true
}
