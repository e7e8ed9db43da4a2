// Package modelstore resolves weight file locations to local paths,
// downloading gs:// and http(s):// objects into a cache directory.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Downloader copies the object at u to w. A missing object is reported with
// an error for which errors.Is(err, os.ErrNotExist) holds.
type Downloader interface {
	Download(ctx context.Context, u *url.URL, w io.Writer) error
}

// Resolver maps weight URIs to local files.
type Resolver struct {
	// CacheDir holds downloaded objects, laid out as <scheme>/<host>/<path>.
	CacheDir string

	// GCS downloads gs:// objects; nil uses Cloud Storage with default credentials.
	GCS Downloader
	// HTTP downloads http:// and https:// objects; nil uses http.DefaultClient.
	HTTP Downloader
}

// Resolve returns a local path for uri. Plain paths and file:// URIs are
// returned as-is; remote objects are downloaded once and then served from
// the cache.
func (r *Resolver) Resolve(ctx context.Context, uri string) (string, error) {
	log := klog.FromContext(ctx)

	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme, or a Windows drive letter.
		return uri, nil
	}

	var d Downloader
	switch u.Scheme {
	case "file":
		return u.Path, nil
	case "gs":
		d = r.GCS
		if d == nil {
			d = &GCSDownloader{}
		}
	case "http", "https":
		d = r.HTTP
		if d == nil {
			d = &HTTPDownloader{}
		}
	default:
		return "", fmt.Errorf("modelstore: unsupported scheme %q in %q", u.Scheme, uri)
	}

	dest, err := r.cachePath(u)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dest); err == nil {
		log.Info("using cached weights", "uri", uri, "path", dest)
		return dest, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	startedAt := time.Now()
	n, err := downloadToFile(ctx, d, u, dest)
	if err != nil {
		return "", fmt.Errorf("downloading %q: %w", uri, err)
	}
	log.Info("downloaded weights", "uri", uri, "path", dest, "bytes", n, "duration", time.Since(startedAt))
	return dest, nil
}

func (r *Resolver) cachePath(u *url.URL) (string, error) {
	if r.CacheDir == "" {
		return "", fmt.Errorf("modelstore: no cache directory for %q", u.String())
	}
	rel := filepath.FromSlash(strings.TrimPrefix(u.Path, "/"))
	if u.Host == "" || rel == "" || rel == "." || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("modelstore: invalid object location %q", u.String())
	}
	return filepath.Join(r.CacheDir, u.Scheme, u.Host, rel), nil
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func downloadToFile(ctx context.Context, d Downloader, u *url.URL, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	tempFile, err := os.CreateTemp(filepath.Dir(destinationPath), "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	cw := &countingWriter{w: tempFile}
	if err := d.Download(ctx, u, cw); err != nil {
		return cw.n, err
	}

	if err := tempFile.Close(); err != nil {
		return cw.n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return cw.n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return cw.n, nil
}

// HTTPDownloader fetches objects over HTTP.
type HTTPDownloader struct {
	Client *http.Client
}

// Download implements Downloader.
func (h *HTTPDownloader) Download(ctx context.Context, u *url.URL, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("object not found: %w", os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status downloading from upstream source: %v", resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("downloading from upstream source: %w", err)
	}
	return nil
}
