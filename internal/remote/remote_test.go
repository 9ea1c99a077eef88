package remote

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = body
	f.puts = append(f.puts, key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for key, body := range f.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key[len(aws.ToString(in.Bucket))+1:]), Size: aws.Int64(int64(len(body)))})
	}
	return out, nil
}

func TestParseLocator(t *testing.T) {
	t.Parallel()

	bucket, key, err := ParseLocator("s3://mirror/archlinuxarm/base.tar.gz")
	if err != nil {
		t.Fatalf("ParseLocator() error = %v", err)
	}
	if bucket != "mirror" || key != "archlinuxarm/base.tar.gz" {
		t.Fatalf("ParseLocator() = %q, %q", bucket, key)
	}
	for _, bad := range []string{"https://mirror/x", "s3://mirror/", "s3:///key"} {
		if _, _, err := ParseLocator(bad); err == nil {
			t.Fatalf("ParseLocator(%q) error = nil", bad)
		}
	}
}

func TestUploadAndDownload(t *testing.T) {
	t.Parallel()

	api := &fakeS3{objects: map[string][]byte{}}
	c := &Client{API: api, Bucket: "images", Prefix: "archr"}

	src := filepath.Join(t.TempDir(), "archr-r36s.img.xz")
	if err := os.WriteFile(src, []byte("compressed"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	key, err := c.Upload(context.Background(), "archr-r36s.img.xz", src)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if key != "archr/archr-r36s.img.xz" {
		t.Fatalf("Upload() key = %q", key)
	}

	dst := filepath.Join(t.TempDir(), "download")
	n, err := c.Download(context.Background(), "images", key, dst)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	got, _ := os.ReadFile(dst)
	if n != int64(len("compressed")) || string(got) != "compressed" {
		t.Fatalf("Download() = %d bytes %q", n, got)
	}

	objects, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 1 || objects[0].Key != key {
		t.Fatalf("List() = %+v", objects)
	}
}
