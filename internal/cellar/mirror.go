package cellar

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const mirrorPrefix = "archives"

// MirrorClient wraps the S3 client for the archive mirror (AWS S3 or Cloudflare R2).
type MirrorClient struct {
	Client *s3.Client
	Bucket string
}

// NewMirrorClient initializes a mirror client from configuration values.
func NewMirrorClient(ctx context.Context, m MirrorConfig) (*MirrorClient, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("mirror credentials missing in configuration (CELLAR_MIRROR_BUCKET, CELLAR_MIRROR_ACCESS_KEY_ID, CELLAR_MIRROR_SECRET_ACCESS_KEY)")
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(m.AccessKeyID, m.SecretAccessKey, "")),
		config.WithRegion(m.Region),
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if m.Endpoint != "" {
			o.BaseEndpoint = aws.String(m.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &MirrorClient{Client: client, Bucket: m.Bucket}, nil
}

// mirrorKey is the object key an upstream archive is mirrored under.
func mirrorKey(archiveName string) string {
	return path.Join(mirrorPrefix, archiveName)
}

// DownloadTo streams bucket/key into dest.
func (r *MirrorClient) DownloadTo(ctx context.Context, bucket, key, dest string) error {
	output, err := r.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer output.Body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, output.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return out.Sync()
}

// Exists reports whether key is present in the mirror bucket.
func (r *MirrorClient) Exists(ctx context.Context, key string) bool {
	_, err := r.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(key),
	})
	return err == nil
}

// UploadLocalFile uploads a file from disk to the mirror bucket.
func (r *MirrorClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(archiveContentType(key)),
	})
	return err
}

func archiveContentType(key string) string {
	switch archiveSuffix(key) {
	case ".tar.gz", ".tgz":
		return "application/gzip"
	case ".tar.xz":
		return "application/x-xz"
	case ".tar.zst":
		return "application/zstd"
	case ".tar.bz2":
		return "application/x-bzip2"
	case ".zip":
		return "application/zip"
	}
	return "application/octet-stream"
}

// mirrorDownloader serves s3:// URLs and looks up http(s) archives in the mirror
// before the upstream host is contacted.
type mirrorDownloader struct {
	client *MirrorClient
}

func (d *mirrorDownloader) Name() string { return "mirror" }

func (d *mirrorDownloader) Download(ctx context.Context, rawURL, dest string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme == "s3" {
		if d.client == nil {
			return fmt.Errorf("s3 url %s requires a configured mirror", rawURL)
		}
		return d.client.DownloadTo(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), dest)
	}
	if d.client == nil {
		return errUnavailable
	}
	return d.client.DownloadTo(ctx, d.client.Bucket, mirrorKey(ArchiveName(rawURL)), dest)
}

// mirrorFormula makes sure every archive of f is cached locally and present in
// the mirror bucket. It returns the number of archives uploaded.
func mirrorFormula(ctx context.Context, client *MirrorClient, fetcher *ArtifactFetcher, f *Formula) (int, error) {
	uploaded := 0
	for _, a := range sourceArchives(f) {
		u := a.URL
		local, err := fetchPinned(ctx, fetcher, a)
		if err != nil {
			return uploaded, err
		}
		key := mirrorKey(ArchiveName(u))
		if client.Exists(ctx, key) {
			debugf("Mirror already has %s\n", key)
			continue
		}
		ohai("Uploading %s to %s/%s", ArchiveName(u), client.Bucket, key)
		if err := client.UploadLocalFile(ctx, key, local); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}
