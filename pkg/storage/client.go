package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/fly-io/hostdriver/pkg/errors"
)

// Client fetches host agent bundles from S3
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	// Load AWS config with anonymous credentials
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// Bundle is an agent bundle downloaded to local disk
type Bundle struct {
	Key       string
	LocalPath string
	SHA256    string
	Size      int64
}

// FetchAgentBundle downloads the bundle at key into dir. A key ending in "/" is
// treated as a prefix and the newest bundle below it is fetched (see Newest).
func (c *Client) FetchAgentBundle(ctx context.Context, key, dir string) (*Bundle, error) {
	if strings.HasSuffix(key, "/") {
		latest, err := c.latest(ctx, key)
		if err != nil {
			return nil, err
		}
		key = latest
	} else {
		ok, err := c.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Wrap(os.ErrNotExist, "agent bundle s3://"+c.bucket+"/"+key)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create bundle directory")
	}
	return c.download(ctx, key, filepath.Join(dir, path.Base(key)))
}

func (c *Client) latest(ctx context.Context, prefix string) (string, error) {
	keys, err := c.ListObjects(ctx, prefix)
	if err != nil {
		return "", err
	}

	newest := Newest(keys)
	if newest == "" {
		slog.Error("s3_no_agent_bundle", "bucket", c.bucket, "prefix", prefix)
		return "", errors.Wrap(os.ErrNotExist, "no agent bundle under s3://"+c.bucket+"/"+prefix)
	}
	slog.Info("s3_newest_agent_bundle", "prefix", prefix, "s3_key", newest, "candidates", len(keys))
	return newest, nil
}

// IsBundleKey reports whether name looks like an agent bundle archive.
func IsBundleKey(name string) bool {
	return strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz") || strings.HasSuffix(name, ".tar")
}

func trimArchiveExt(name string) string {
	for _, ext := range []string{".tar.gz", ".tgz", ".tar"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}

var bundleVersion = regexp.MustCompile(`\d+\.\d+(\.\d+)?([-+][0-9A-Za-z.-]+)?`)

// Newest picks the bundle with the highest version in its file name. Names
// without a version sort below versioned ones and among themselves lexically.
// It returns "" when keys holds no bundle.
func Newest(keys []string) string {
	type candidate struct {
		key     string
		version *semver.Version
	}

	var cands []candidate
	for _, k := range keys {
		if !IsBundleKey(k) {
			continue
		}
		c := candidate{key: k}
		if m := bundleVersion.FindString(trimArchiveExt(path.Base(k))); m != "" {
			if v, err := semver.NewVersion(m); err == nil {
				c.version = v
			}
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return ""
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		switch {
		case a.version == nil && b.version == nil:
			return a.key < b.key
		case a.version == nil:
			return true
		case b.version == nil:
			return false
		case a.version.Equal(b.version):
			return a.key < b.key
		default:
			return a.version.LessThan(b.version)
		}
	})
	return cands[len(cands)-1].key
}

// download downloads an object from S3 and computes SHA256
func (c *Client) download(ctx context.Context, s3Key, localPath string) (*Bundle, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", s3Key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete",
		"s3_key", s3Key,
		"size_kb", size/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &Bundle{
		Key:       s3Key,
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}

// ListObjects lists all objects in the bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))
	return keys, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, s3Key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			slog.Info("s3_object_not_found", "s3_key", s3Key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", s3Key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}
