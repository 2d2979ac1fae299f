package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"time"
)

// MaxHostRead caps what a single net_fetch or fs_read may return.
const MaxHostRead = 1 << 20

// ErrHostUnavailable is returned by NoHost.
var ErrHostUnavailable = errors.New("host access not configured")

// HostBindings performs the privileged host calls. It is only ever reached
// through a host call the job's capability context allows.
type HostBindings interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	ReadFile(ctx context.Context, name string) ([]byte, error)
}

// NoHost refuses every privileged call.
type NoHost struct{}

func (NoHost) Fetch(context.Context, string) ([]byte, error)    { return nil, ErrHostUnavailable }
func (NoHost) ReadFile(context.Context, string) ([]byte, error) { return nil, ErrHostUnavailable }

// LocalHost serves fs_read from a directory and net_fetch over HTTP(S).
type LocalHost struct {
	root   fs.FS
	client *http.Client
}

// NewLocalHost roots file reads at dir. An empty dir disables file reads.
func NewLocalHost(dir string, timeout time.Duration) *LocalHost {
	h := &LocalHost{client: &http.Client{Timeout: timeout}}
	if dir != "" {
		h.root = os.DirFS(dir)
	}
	return h
}

// Fetch performs a GET and returns at most MaxHostRead bytes of the body.
func (h *LocalHost) Fetch(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("unsupported url scheme")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, MaxHostRead))
}

// ReadFile reads a file under the root. Paths may not escape it.
func (h *LocalHost) ReadFile(_ context.Context, name string) ([]byte, error) {
	if h.root == nil {
		return nil, ErrHostUnavailable
	}
	name = path.Clean(strings.TrimPrefix(name, "/"))
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("invalid path")
	}
	f, err := h.root.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, MaxHostRead))
}
