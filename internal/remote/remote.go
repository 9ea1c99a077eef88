// Package remote talks to the optional S3 compatible mirror (AWS S3 or
// Cloudflare R2) used for s3:// cache sources and image publishing.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"archr/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// API is the subset of the S3 client the mirror uses.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client wraps the S3 client with the configured bucket and key prefix.
type Client struct {
	API    API
	Bucket string
	Prefix string
}

// New builds a client from the remote settings. R2 is selected when an account
// ID is set; otherwise an explicit endpoint or the AWS default is used.
// Credentials fall back to the default AWS chain when not configured.
func New(ctx context.Context, rc config.Remote) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(rc.Region),
	}
	if rc.AccessKeyID != "" && rc.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(rc.AccessKeyID, rc.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	endpoint := rc.Endpoint
	if rc.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", rc.AccountID)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{API: client, Bucket: rc.Bucket, Prefix: rc.Prefix}, nil
}

// ParseLocator splits an s3://bucket/key locator.
func ParseLocator(locator string) (bucket, key string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 locator: %s", locator)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 locator has no object key: %s", locator)
	}
	return u.Host, key, nil
}

// Download streams bucket/key into the file at dst.
func (c *Client) Download(ctx context.Context, bucket, key, dst string) (int64, error) {
	out, err := c.API.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()

	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, out.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Key joins the configured prefix with name.
func (c *Client) Key(name string) string {
	if c.Prefix == "" {
		return name
	}
	return path.Join(c.Prefix, name)
}

// Upload stores the local file under Key(name) in the configured bucket.
func (c *Client) Upload(ctx context.Context, name, filePath string) (string, error) {
	if c.Bucket == "" {
		return "", errors.New("no remote bucket configured")
	}
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", err
	}

	key := c.Key(name)
	_, err = c.API.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType(name)),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".xz"):
		return "application/x-xz"
	case strings.HasSuffix(name, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".yaml"):
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}

// Object is metadata for one stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// List returns objects below the configured prefix.
func (c *Client) List(ctx context.Context) ([]Object, error) {
	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.API, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.Bucket),
		Prefix: aws.String(c.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}
