package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCoverExt is used when an image URL has no extension
const DefaultCoverExt = ".jpg"

// CoverCache persists downloaded cover images under deterministic names.
// It is the only writer of its directory and never deletes files.
type CoverCache struct {
	dir       string
	urlPrefix string
	client    *http.Client
	userAgent string

	downloads singleflight.Group
}

// NewCoverCache creates a cover cache rooted at dir. Paths handed back to
// callers are urlPrefix joined with the file name.
func NewCoverCache(dir, urlPrefix string, timeout time.Duration, userAgent string) *CoverCache {
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &CoverCache{
		dir:       dir,
		urlPrefix: urlPrefix,
		client: &http.Client{
			Timeout: timeout,
		},
		userAgent: userAgent,
	}
}

// Dir returns the cache directory
func (c *CoverCache) Dir() string {
	return c.dir
}

// URLPrefix returns the prefix of every path the cache hands out
func (c *CoverCache) URLPrefix() string {
	return c.urlPrefix
}

// IsCachedPath reports whether p is a path handed out by this cache
func (c *CoverCache) IsCachedPath(p string) bool {
	return strings.HasPrefix(p, c.urlPrefix) && len(p) > len(c.urlPrefix)
}

// CanonicalKey lowercases title and replaces every character outside [a-z0-9] with '_'.
// Distinct titles can collide; the external ID appended by ExactName disambiguates.
func CanonicalKey(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ExactName is the cache file name for a key once the external ID and extension are known
func ExactName(key string, id int, ext string) string {
	return key + "-" + strconv.Itoa(id) + ext
}

// ExtensionFromURL returns the lowercased extension of the URL's path
func ExtensionFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DefaultCoverExt
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || ext == "." {
		return DefaultCoverExt
	}
	return ext
}

// Probe lists the cache directory and returns the first file belonging to key.
// A file belongs to key when its name is key followed by '-' or '.'. A bare
// prefix match would let "naruto" claim "naruto_shippuden-1735.jpg", since
// canonical keys of longer titles routinely start with shorter ones.
func (c *CoverCache) Probe(key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	if err := c.ensureDir(); err != nil {
		return "", false, err
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return "", false, &StorageError{Op: "list covers", Path: c.dir, Err: err}
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if rest, ok := strings.CutPrefix(name, key); ok && (strings.HasPrefix(rest, "-") || strings.HasPrefix(rest, ".")) {
			return c.publicPath(name), true, nil
		}
	}
	return "", false, nil
}

// ProbeExact reports whether the exact file name is already cached
func (c *CoverCache) ProbeExact(name string) (string, bool, error) {
	if err := c.ensureDir(); err != nil {
		return "", false, err
	}
	info, err := os.Stat(filepath.Join(c.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, &StorageError{Op: "stat cover", Path: filepath.Join(c.dir, name), Err: err}
	}
	if info.IsDir() {
		return "", false, nil
	}
	return c.publicPath(name), true, nil
}

// Store downloads remoteURL and saves it as name. Concurrent stores of the
// same name share one download, and an existing file is never re-fetched.
// The shared download runs without the caller's cancellation (the client
// timeout still bounds it); a cancelled caller only stops waiting.
func (c *CoverCache) Store(ctx context.Context, name, remoteURL string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid cover name %q", name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	detached := context.WithoutCancel(ctx)
	ch := c.downloads.DoChan(name, func() (any, error) {
		if p, ok, err := c.ProbeExact(name); err != nil || ok {
			return p, err
		}

		slog.Info("Downloading cover", "url", remoteURL, "name", name)
		data, err := c.download(detached, remoteURL)
		if err != nil {
			return "", err
		}

		if err := writeFileAtomic(filepath.Join(c.dir, name), data, 0644); err != nil {
			slog.Error("Failed to save cover", "name", name, "error", err)
			return "", err
		}
		p := c.publicPath(name)
		slog.Info("Saved cover", "path", p, "bytes", len(data))
		return p, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		if r.Shared {
			slog.Debug("Joined in-flight cover download", "name", name)
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *CoverCache) download(ctx context.Context, remoteURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", remoteURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DownloadError{URL: remoteURL, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", remoteURL, err)
	}
	return data, nil
}

// ensureDir creates the cache directory if needed; safe to call on every operation
func (c *CoverCache) ensureDir() error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return &StorageError{Op: "create covers directory", Path: c.dir, Err: err}
	}
	return nil
}

func (c *CoverCache) publicPath(name string) string {
	return c.urlPrefix + name
}
