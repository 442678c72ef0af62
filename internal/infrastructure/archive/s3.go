// Package archive copies dead-lettered jobs to object storage for later
// inspection and replay.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"finsync/internal/queue"
	"finsync/internal/shared/config"
)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Record is the archived form of a dead job.
type Record struct {
	JobID      string          `json:"jobId"`
	Queue      string          `json:"queue"`
	Type       string          `json:"type"`
	Attempts   int             `json:"attempts"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	ArchivedAt time.Time       `json:"archivedAt"`
}

// DeadLetterArchive writes one object per dead job under
// dead-letter/<queue>/<yyyy>/<mm>/<dd>/<job id>.json.
type DeadLetterArchive struct {
	client  putter
	bucket  string
	logger  *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

func NewDeadLetterArchive(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*DeadLetterArchive, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newDeadLetterArchive(client, cfg.Bucket, logger), nil
}

func newDeadLetterArchive(client putter, bucket string, logger *zap.Logger) *DeadLetterArchive {
	return &DeadLetterArchive{
		client:  client,
		bucket:  bucket,
		logger:  logger.Named("dead-letter-archive"),
		now:     time.Now,
		timeout: 10 * time.Second,
	}
}

// Key returns the object key for job.
func Key(job *queue.Job, at time.Time) string {
	return fmt.Sprintf("dead-letter/%s/%s/%s.json", job.Queue, at.UTC().Format("2006/01/02"), job.ID)
}

// Archive uploads job and cause.
func (a *DeadLetterArchive) Archive(ctx context.Context, job *queue.Job, cause error) error {
	at := a.now()
	rec := Record{
		JobID:      job.ID,
		Queue:      job.Queue,
		Type:       job.Type,
		Attempts:   job.Attempts,
		Payload:    job.Payload,
		Error:      cause.Error(),
		ArchivedAt: at,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(Key(job, at)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload dead letter %s: %w", job.ID, err)
	}
	return nil
}

// Hooks returns consumer hooks that archive every dead-lettered job. Upload
// failures are logged; the job stays dead in the broker either way.
func (a *DeadLetterArchive) Hooks() queue.Hooks {
	return queue.Hooks{
		OnDeadLetter: func(ctx context.Context, job *queue.Job, err error) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
			defer cancel()

			if aerr := a.Archive(ctx, job, err); aerr != nil {
				a.logger.Error("failed to archive dead letter",
					zap.String("job_id", job.ID),
					zap.String("queue", job.Queue),
					zap.Error(aerr),
				)
			}
		},
	}
}
