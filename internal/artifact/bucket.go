package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when an artifact key does not exist.
var ErrNotFound = errors.New("artifact not found")

// Bucket stores export artifacts under a key prefix.
type Bucket struct {
	bucket *blob.Bucket
	prefix string
}

// OpenBucket opens a bucket by URL (file:///path, mem://, gs://name).
func OpenBucket(ctx context.Context, url, prefix string) (*Bucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return &Bucket{bucket: b, prefix: prefix}, nil
}

// Key returns the full object key for name.
func (b *Bucket) Key(name string) string {
	return b.prefix + name
}

// Write streams an object produced by fill and returns the number of bytes
// stored. A fill error aborts the write and leaves no object behind.
func (b *Bucket) Write(ctx context.Context, key, contentType string, fill func(io.Writer) error) (int64, error) {
	// The writer is bound to a child context so cancelling it discards the
	// partial object instead of committing it on Close.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := b.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return 0, fmt.Errorf("create writer for %s: %w", key, err)
	}

	cw := &countingWriter{w: w}
	if err := fill(cw); err != nil {
		cancel()
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close writer for %s: %w", key, err)
	}
	return cw.n, nil
}

// Open returns a reader for key along with its content type and size.
func (b *Bucket) Open(ctx context.Context, key string) (*blob.Reader, error) {
	r, err := b.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open reader for %s: %w", key, err)
	}
	return r, nil
}

// Delete removes key. Missing keys are not an error.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	err := b.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close releases the bucket connection.
func (b *Bucket) Close() error {
	if b.bucket != nil {
		return b.bucket.Close()
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
