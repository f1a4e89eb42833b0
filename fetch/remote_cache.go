package fetch

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

// RemoteCacheBackend is an optional second cache tier behind the
// local digest cache (Cache), letting a fleet of hosts share fetched
// artifacts instead of each one pulling independently from the
// registry. One implementation per cloud object store.
type RemoteCacheBackend interface {
	Get(ctx context.Context, digest string) ([]byte, bool, error)
	Put(ctx context.Context, digest string, data []byte) error
}

// OpenRemoteCache selects a backend by the configured URL's scheme:
// "gs://<bucket>", "s3://<bucket>", or "azblob://<container-url>".
func OpenRemoteCache(ctx context.Context, rawURL string) (RemoteCacheBackend, error) {
	switch {
	case strings.HasPrefix(rawURL, "gs://"):
		return NewGCSCacheBackend(ctx, strings.TrimPrefix(rawURL, "gs://"))
	case strings.HasPrefix(rawURL, "s3://"):
		return NewS3CacheBackend(strings.TrimPrefix(rawURL, "s3://"))
	case strings.HasPrefix(rawURL, "azblob://"):
		u, err := url.Parse("https://" + strings.TrimPrefix(rawURL, "azblob://"))
		if err != nil {
			return nil, errors.Wrap(err, "fetch: azblob container url")
		}
		pipeline := azblob.NewPipeline(azblob.NewAnonymousCredential(), azblob.PipelineOptions{})
		return NewAzureBlobCacheBackend(azblob.NewContainerURL(*u, pipeline)), nil
	default:
		return nil, errors.Errorf("fetch: unsupported remote cache url %q (want gs://, s3://, or azblob://)", rawURL)
	}
}

// GCSCacheBackend stores cached artifacts as objects in a GCS bucket.
type GCSCacheBackend struct {
	bucket string
	client *storage.Client
}

func NewGCSCacheBackend(ctx context.Context, bucket string) (*GCSCacheBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch: gcs client")
	}
	return &GCSCacheBackend{bucket: bucket, client: client}, nil
}

func (g *GCSCacheBackend) Get(ctx context.Context, digest string) ([]byte, bool, error) {
	r, err := g.client.Bucket(g.bucket).Object(digest).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (g *GCSCacheBackend) Put(ctx context.Context, digest string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(digest).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// AzureBlobCacheBackend stores cached artifacts as page/block blobs in
// an Azure Storage container.
type AzureBlobCacheBackend struct {
	container azblob.ContainerURL
}

func NewAzureBlobCacheBackend(containerURL azblob.ContainerURL) *AzureBlobCacheBackend {
	return &AzureBlobCacheBackend{container: containerURL}
}

func (a *AzureBlobCacheBackend) Get(ctx context.Context, digest string) ([]byte, bool, error) {
	blob := a.container.NewBlockBlobURL(digest)
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, false, nil
	}
	body := resp.Body(azblob.RetryReaderOptions{})
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (a *AzureBlobCacheBackend) Put(ctx context.Context, digest string, data []byte) error {
	blob := a.container.NewBlockBlobURL(digest)
	_, err := azblob.UploadBufferToBlockBlob(ctx, data, blob, azblob.UploadToBlockBlobOptions{})
	return err
}

// S3CacheBackend stores cached artifacts as objects in an S3 bucket.
type S3CacheBackend struct {
	bucket string
	svc    *s3.S3
}

func NewS3CacheBackend(bucket string) (*S3CacheBackend, error) {
	sess, err := session.NewSession(aws.NewConfig())
	if err != nil {
		return nil, errors.Wrap(err, "fetch: s3 session")
	}
	return &S3CacheBackend{bucket: bucket, svc: s3.New(sess)}, nil
}

func (s *S3CacheBackend) Get(ctx context.Context, digest string) ([]byte, bool, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(digest),
	})
	if err != nil {
		return nil, false, nil
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *S3CacheBackend) Put(ctx context.Context, digest string, data []byte) error {
	_, err := s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(digest),
		Body:   bytes.NewReader(data),
	})
	return err
}
