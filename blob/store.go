// Package blob implements the S3-backed blob store used to offload
// oversized record bodies, including first-use provisioning of the
// bucket, its tags, and its expiration lifecycle.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
)

// S3API is the subset of the S3 client consumed by Store.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, opts ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	PutBucketTagging(ctx context.Context, in *s3.PutBucketTaggingInput, opts ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	GetBucketLifecycleConfiguration(ctx context.Context, in *s3.GetBucketLifecycleConfigurationInput, opts ...func(*s3.Options)) (*s3.GetBucketLifecycleConfigurationOutput, error)
	PutBucketLifecycleConfiguration(ctx context.Context, in *s3.PutBucketLifecycleConfigurationInput, opts ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store reads and writes offloaded record bodies in a single bucket.
type Store struct {
	api    S3API
	bucket string
	logger *log.Entry
}

// NewStore returns a Store over |bucket|.
func NewStore(api S3API, bucket string, logger *log.Entry) *Store {
	return &Store{api: api, bucket: bucket, logger: logger}
}

// Bucket names the backing bucket.
func (s *Store) Bucket() string { return s.bucket }

// Put uploads |body| under |key| and returns the object's ETag.
func (s *Store) Put(ctx context.Context, key string, body []byte) (string, error) {
	var out, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("putting object %q: %w", key, err)
	}
	return aws.ToString(out.ETag), nil
}

// Get fetches an offloaded body. The bucket is taken from the sentinel
// rather than the store, so readers can follow records written by peers
// configured with a different bucket.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var out, err = s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Ensure provisions the bucket on first use: create it if missing, tag
// it, and install a lifecycle rule expiring offloaded bodies for
// |stream| after one day.
func (s *Store) Ensure(ctx context.Context, stream string, tags map[string]string) error {
	var _, err = s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if isNoSuchBucket(err) {
		s.logger.WithField("bucket", s.bucket).Info("creating blob store bucket")
		if _, err = s.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
			var owned *types.BucketAlreadyOwnedByYou
			if !errors.As(err, &owned) {
				return fmt.Errorf("creating bucket %q: %w", s.bucket, err)
			}
		}
	} else if err != nil {
		return fmt.Errorf("checking bucket %q: %w", s.bucket, err)
	}

	if err = s.ensureLifecycle(ctx, stream); err != nil {
		return err
	}
	return s.ensureTags(ctx, tags)
}

func (s *Store) ensureLifecycle(ctx context.Context, stream string) error {
	var ruleID = fmt.Sprintf("expire-%s", stream)
	var prefix = fmt.Sprintf("%s--", stream)

	var current, err = s.api.GetBucketLifecycleConfiguration(ctx,
		&s3.GetBucketLifecycleConfigurationInput{Bucket: aws.String(s.bucket)})
	var rules []types.LifecycleRule
	if err == nil {
		rules = current.Rules
		for _, r := range rules {
			if aws.ToString(r.ID) == ruleID {
				return nil
			}
		}
	} else if !isConfigurationMissing(err) {
		return fmt.Errorf("reading bucket lifecycle: %w", err)
	}

	rules = append(rules, types.LifecycleRule{
		ID:         aws.String(ruleID),
		Status:     types.ExpirationStatusEnabled,
		Filter:     &types.LifecycleRuleFilter{Prefix: aws.String(prefix)},
		Expiration: &types.LifecycleExpiration{Days: aws.Int32(1)},
	})

	if _, err = s.api.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket:                 aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{Rules: rules},
	}); err != nil {
		return fmt.Errorf("installing bucket lifecycle: %w", err)
	}
	return nil
}

func (s *Store) ensureTags(ctx context.Context, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}

	var merged = map[string]string{}
	var current, err = s.api.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		for _, t := range current.TagSet {
			merged[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	} else if !isConfigurationMissing(err) {
		return fmt.Errorf("reading bucket tags: %w", err)
	}

	var changed = false
	for k, v := range tags {
		if merged[k] != v {
			merged[k] = v
			changed = true
		}
	}
	if !changed {
		return nil
	}

	var set []types.Tag
	for k, v := range merged {
		set = append(set, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	if _, err = s.api.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(s.bucket),
		Tagging: &types.Tagging{TagSet: set},
	}); err != nil {
		return fmt.Errorf("writing bucket tags: %w", err)
	}
	return nil
}

func isNoSuchBucket(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "NoSuchBucket" || ae.ErrorCode() == "NotFound")
}

// isConfigurationMissing matches the errors S3 returns for a bucket
// with no lifecycle or tagging configuration yet.
func isConfigurationMissing(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) &&
		(ae.ErrorCode() == "NoSuchLifecycleConfiguration" || ae.ErrorCode() == "NoSuchTagSet")
}
