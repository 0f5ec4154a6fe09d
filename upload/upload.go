// Package upload ships a completed crawl's result directory to a cloud
// object store, so a crawl running on ephemeral infrastructure doesn't lose
// its output when the instance is torn down.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Config names the destination bucket and credentials for an upload.
type Config struct {
	Bucket          string
	Prefix          string // object-name prefix under the bucket, without a trailing slash, e.g. "crawls"
	CredentialsFile string // service-account JSON key; empty uses ambient credentials
}

// Dir uploads every regular file under localDir to Bucket, preserving the
// directory's relative structure under Prefix/<base of localDir>/. It skips
// nothing: the debug log, if present, is uploaded alongside the two CSV
// streams.
func Dir(ctx context.Context, cfg Config, localDir string) error {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}
	defer client.Close()

	bucket := client.Bucket(cfg.Bucket)
	base := filepath.Base(localDir)

	return filepath.Walk(localDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}
		name := objectName(cfg.Prefix, base, rel)

		if err := uploadFile(ctx, bucket, name, path); err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		return nil
	})
}

// objectName builds the destination object name for a file at rel (relative
// to the result directory) as prefix/base/rel, with slashes and without a
// leading slash when prefix is empty.
func objectName(prefix, base, rel string) string {
	return strings.TrimPrefix(prefix+"/"+base+"/"+filepath.ToSlash(rel), "/")
}

func uploadFile(ctx context.Context, bucket *storage.BucketHandle, objectName, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := bucket.Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("copy to object %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close object %s: %w", objectName, err)
	}
	return nil
}
