// Package blob implements the S3-backed object store for job originals,
// chunk WAVs, and final transcripts (SPEC_FULL.md §6), via
// github.com/aws/aws-sdk-go, the dependency the pack's ramble-ai example
// wires for its own media pipeline.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// s3API is the subset of *s3.S3 the store calls, an injectable seam for
// tests (the same pattern as provider.httpDoer and driver.JobStatusChecker).
type s3API interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
	ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
}

// uploaderAPI is the subset of *s3manager.Uploader the store calls.
type uploaderAPI interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// Store uploads and retrieves job artifacts from a single S3 bucket.
type Store struct {
	bucket   string
	client   s3API
	uploader uploaderAPI
}

// New creates a Store from an AWS session and bucket name.
func New(sess *session.Session, bucket string) *Store {
	return &Store{
		bucket:   bucket,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}
}

// OriginalKey is where an uploaded job artifact is stored before
// normalization.
func OriginalKey(jobID, filename string) string {
	return fmt.Sprintf("jobs/%s/original/%s", jobID, filename)
}

// ChunkKey is where one chunk's extracted WAV is stored, 4-digit
// zero-padded per SPEC_FULL §6.
func ChunkKey(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/chunks/chunk-%04d.wav", jobID, index)
}

// ResultKey is where a job's final merged transcript is stored.
func ResultKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/result/transcript.json", jobID)
}

// JobPrefix is the common prefix under which every object belonging to a
// job lives, used by Delete to sweep a job's artifacts on cleanup.
func JobPrefix(jobID string) string {
	return fmt.Sprintf("jobs/%s/", jobID)
}

// Put uploads data to key, used for originals, chunk WAVs, and the final
// transcript.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	return nil
}

// Get downloads the object at key in full.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("blob: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a single object.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

// DeleteJobArtifacts removes every object under a job's prefix, called when
// a job row is deleted (blob storage has no foreign-key cascade of its own).
func (s *Store) DeleteJobArtifacts(ctx context.Context, jobID string) error {
	prefix := JobPrefix(jobID)

	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("blob: list %s: %w", prefix, err)
	}

	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
