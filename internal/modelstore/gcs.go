package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSDownloader fetches gs://bucket/object URIs from Cloud Storage.
type GCSDownloader struct {
	// Anonymous skips credential lookup, for public buckets.
	Anonymous bool
	// ClientOptions are passed to storage.NewClient.
	ClientOptions []option.ClientOption
}

// Download implements Downloader.
func (g *GCSDownloader) Download(ctx context.Context, u *url.URL, w io.Writer) error {
	bucket, object := u.Host, strings.TrimPrefix(u.Path, "/")

	opts := append([]option.ClientOption(nil), g.ClientOptions...)
	if g.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return fmt.Errorf("object %q not found in bucket %q: %w", object, bucket, os.ErrNotExist)
		}
		return fmt.Errorf("opening object from GCS %q: %w", u.String(), err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("downloading from GCS: %w", err)
	}
	return nil
}
