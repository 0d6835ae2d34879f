package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tundradb/tundra/pkg/auth"
	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
)

// S3 stores keys as objects under a prefix. Once-only atom puts use the
// If-None-Match conditional; ref CAS is simulated with a sentinel atom key
// naming the expected-to-new hash transition, since S3 offers no
// compare-and-swap on overwrites. Whoever creates the sentinel first owns
// that CAS round; losers observe the sentinel creation fail and report a
// lost race.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds the backend from config. Credentials come from the SDK
// default chain, or from a refreshing token-service provider when
// credentials_url is set.
func NewS3(ctx context.Context, cfg config.BackendConfig) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "s3 backend requires a bucket")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.CredentialsURL != "" {
		refresher := auth.NewRefresher(
			auth.NewService(cfg.CredentialsURL, cfg.CredentialsKey),
			time.Minute, 5*time.Minute)
		opts = append(opts, awsconfig.WithCredentialsProvider(refresher))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS config")
	}
	return &S3{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Root, "/"),
	}, nil
}

// Name implements Backend
func (b *S3) Name() string { return "s3" }

func (b *S3) object(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *S3) fromObject(name string) string {
	if b.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, b.prefix+"/")
}

func mapS3Error(err error, key string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound"):
		return notFound(key)
	case strings.Contains(msg, "PreconditionFailed"):
		return alreadyExists(key)
	}
	return errors.Wrap(err, errors.ErrorTypeTransient, "s3 request failed")
}

// Put implements Backend
func (b *S3) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.object(key)),
		Body:   bytes.NewReader(data),
	}
	if ifAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := b.client.PutObject(ctx, input)
	return mapS3Error(err, key)
}

// Get implements Backend
func (b *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.object(key)),
	})
	if err != nil {
		return nil, mapS3Error(err, key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to read s3 object body")
	}
	if out.ContentLength != nil && int64(len(data)) != *out.ContentLength {
		return nil, errors.New(errors.ErrorTypeCorrupt, "partial s3 object read")
	}
	return data, nil
}

// Exists implements Backend
func (b *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.object(key)),
	})
	if err != nil {
		if errors.IsType(mapS3Error(err, key), errors.ErrorTypeNotFound) {
			return false, nil
		}
		return false, mapS3Error(err, key)
	}
	return true, nil
}

// Delete implements Backend
func (b *S3) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.object(key)),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "s3 delete failed")
	}
	return nil
}

// List implements Backend
func (b *S3) List(ctx context.Context, prefix string, fn func(string) bool) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.object(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransient, "s3 list failed")
		}
		for _, obj := range page.Contents {
			key := b.fromObject(aws.ToString(obj.Key))
			if isSentinel(key) {
				continue
			}
			if !fn(key) {
				return nil
			}
		}
	}
	return nil
}

const sentinelInfix = "/.cas/"

func isSentinel(key string) bool {
	return strings.Contains(key, sentinelInfix)
}

func sentinelKey(key string, oldHash *uint64, data []byte) string {
	old := "absent"
	if oldHash != nil {
		old = fmt.Sprintf("%016x", *oldHash)
	}
	return key + sentinelInfix + old + "-" + fmt.Sprintf("%016x", codec.Hash(data))
}

// AtomicReplace implements Backend via the sentinel simulation
func (b *S3) AtomicReplace(ctx context.Context, key string, oldHash *uint64, data []byte) error {
	current, err := b.Get(ctx, key)
	exists := err == nil
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return err
	}
	if oldHash == nil {
		if exists {
			return lostRace(key)
		}
	} else {
		if !exists || codec.Hash(current) != *oldHash {
			return lostRace(key)
		}
	}

	// Claim this transition. If-None-Match makes exactly one claimer win.
	sentinel := sentinelKey(key, oldHash, data)
	if err := b.Put(ctx, sentinel, nil, true); err != nil {
		if errors.IsType(err, errors.ErrorTypeConflict) {
			return lostRace(key)
		}
		return err
	}
	defer func() {
		// Best-effort cleanup; a stale sentinel only blocks an exact
		// replay of the same transition.
		_ = b.Delete(ctx, sentinel)
	}()

	return b.Put(ctx, key, data, false)
}

// Close implements Backend
func (b *S3) Close() error { return nil }
