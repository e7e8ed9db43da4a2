package modelstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGCS serves objects from memory keyed by "bucket/object".
type fakeGCS struct {
	objects map[string]string
	calls   int
}

func (f *fakeGCS) Download(_ context.Context, u *url.URL, w io.Writer) error {
	f.calls++
	body, ok := f.objects[u.Host+u.Path]
	if !ok {
		return os.ErrNotExist
	}
	_, err := io.WriteString(w, body)
	return err
}

func TestResolve_LocalPaths(t *testing.T) {
	r := &Resolver{}
	ctx := context.Background()

	for _, tc := range []struct {
		uri  string
		want string
	}{
		{"model.wts", "model.wts"},
		{"/data/model.wts", "/data/model.wts"},
		{"file:///data/model.wts", "/data/model.wts"},
		{`C:\models\model.wts`, `C:\models\model.wts`},
	} {
		got, err := r.Resolve(ctx, tc.uri)
		require.NoError(t, err, tc.uri)
		assert.Equal(t, tc.want, got, tc.uri)
	}
}

func TestResolve_GCSDownloadsOnce(t *testing.T) {
	dir := t.TempDir()
	gcs := &fakeGCS{objects: map[string]string{"models/stereo/resnet18.wts": "weights"}}
	r := &Resolver{CacheDir: dir, GCS: gcs}

	path, err := r.Resolve(context.Background(), "gs://models/stereo/resnet18.wts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "gs", "models", "stereo", "resnet18.wts"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	again, err := r.Resolve(context.Background(), "gs://models/stereo/resnet18.wts")
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, 1, gcs.calls)
}

func TestResolve_GCSMissingObject(t *testing.T) {
	dir := t.TempDir()
	r := &Resolver{CacheDir: dir, GCS: &fakeGCS{}}

	_, err := r.Resolve(context.Background(), "gs://models/missing.wts")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// No partial file or temp file is left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "gs", "models"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolve_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/weights/model.wts":
			io.WriteString(w, "remote weights")
		case "/broken.wts":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	r := &Resolver{CacheDir: dir, HTTP: &HTTPDownloader{Client: srv.Client()}}
	ctx := context.Background()

	path, err := r.Resolve(ctx, srv.URL+"/weights/model.wts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "http", u.Host, "weights", "model.wts"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "remote weights", string(data))

	_, err = r.Resolve(ctx, srv.URL+"/nope.wts")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = r.Resolve(ctx, srv.URL+"/broken.wts")
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "500")
}

func TestResolve_InvalidLocations(t *testing.T) {
	ctx := context.Background()

	_, err := (&Resolver{}).Resolve(ctx, "gs://models/model.wts")
	assert.ErrorContains(t, err, "no cache directory")

	r := &Resolver{CacheDir: t.TempDir(), GCS: &fakeGCS{}}
	for _, uri := range []string{
		"gs://models",
		"gs://models/",
		"gs://models/../../etc/passwd",
		"s3://bucket/model.wts",
	} {
		_, err := r.Resolve(ctx, uri)
		require.Error(t, err, uri)
		assert.True(t, strings.HasPrefix(err.Error(), "modelstore:"), err.Error())
	}
}

func TestResolve_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "never read")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Resolver{CacheDir: t.TempDir(), HTTP: &HTTPDownloader{Client: srv.Client()}}
	_, err := r.Resolve(ctx, srv.URL+"/model.wts")
	assert.ErrorIs(t, err, context.Canceled)
}
