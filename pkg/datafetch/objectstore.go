// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig locates an S3-compatible endpoint.
type ObjectStoreConfig struct {
	Endpoint  string // host[:port], no scheme
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type objectLocator struct {
	Bucket string
	Key    string
}

// parseObjectLocator accepts s3://bucket/key and minio://bucket/key.
func parseObjectLocator(src string) (objectLocator, error) {
	u, err := url.Parse(src)
	if err != nil {
		return objectLocator{}, fmt.Errorf("invalid object locator %q: %w", src, err)
	}
	if u.Scheme != "s3" && u.Scheme != "minio" {
		return objectLocator{}, fmt.Errorf("object locator %q must use s3:// or minio://", src)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return objectLocator{}, fmt.Errorf("object locator %q needs bucket and key", src)
	}
	return objectLocator{Bucket: u.Host, Key: key}, nil
}

// ObjectStoreFetcher reads objects with minio-go. FirstN subsets use a range
// read instead of downloading the whole object.
type ObjectStoreFetcher struct {
	cfg ObjectStoreConfig

	once   sync.Once
	core   *minio.Core
	newErr error
}

// NewObjectStoreFetcher returns a fetcher; the client is built on first use so
// an unconfigured endpoint only matters for object-store datasets.
func NewObjectStoreFetcher(cfg ObjectStoreConfig) *ObjectStoreFetcher {
	return &ObjectStoreFetcher{cfg: cfg}
}

func (f *ObjectStoreFetcher) client() (*minio.Core, error) {
	f.once.Do(func() {
		endpoint := strings.TrimSpace(f.cfg.Endpoint)
		if endpoint == "" {
			f.newErr = errors.New("object store endpoint is not configured (set DATAFETCH_S3_ENDPOINT or s3-endpoint)")
			return
		}
		region := f.cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		f.core, f.newErr = minio.NewCore(endpoint, &minio.Options{
			Creds:        credentials.NewStaticV4(f.cfg.AccessKey, f.cfg.SecretKey, ""),
			Secure:       f.cfg.UseSSL,
			Region:       region,
			BucketLookup: minio.BucketLookupPath,
		})
	})
	return f.core, f.newErr
}

// Fetch downloads the variant's object into req.Dst.
func (f *ObjectStoreFetcher) Fetch(ctx context.Context, req Request) FetchResult {
	v := req.Variant
	core, err := f.client()
	if err != nil {
		return failed(req, 0, err)
	}
	loc, err := parseObjectLocator(v.Source)
	if err != nil {
		return failed(req, 0, err)
	}
	op := "GET " + v.Source

	opts := minio.GetObjectOptions{}
	if v.Strategy == StrategyFirstN && v.MaxBytes > 0 {
		// one byte past the bound so a cut record can be detected
		if err := opts.SetRange(0, v.MaxBytes); err != nil {
			return failed(req, 0, err)
		}
	}

	body, info, _, err := core.GetObject(ctx, loc.Bucket, loc.Key, opts)
	if err != nil {
		return failed(req, 0, &TransportError{Op: op, Err: objectStoreError(err, v.Source)})
	}
	defer body.Close()

	total := info.Size
	if v.MaxBytes > 0 && (total < 0 || total > v.MaxBytes) {
		total = v.MaxBytes
	}
	req.emitter().emit(ProgressEvent{Event: "dataset_start", Path: req.Dst, Total: total})
	n, err := writeStream(ctx, body, req.Dst, v, total, op, req.emitter())
	if err != nil {
		return failed(req, n, err)
	}
	return fetched(req, n)
}

// objectStoreError maps S3 error replies onto APIError so retry decisions
// match the HTTP fetchers.
func objectStoreError(err error, src string) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 {
		return err
	}
	msg := resp.Message
	if resp.Code != "" {
		msg = resp.Code + ": " + msg
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Message:    msg,
		URL:        src,
	}
}
