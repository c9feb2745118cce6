package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

type CreateJobRequest struct {
	SourceType string          `json:"source_type"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	ObjectKey  string          `json:"object_key,omitempty"`
	FileName   string          `json:"file_name,omitempty"`
	Transform  TransformConfig `json:"transform"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	ObjectKey  string
	FileName   string
	Transform  TransformConfig
	Result     *JobResult
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobResult records where the encoded output landed and how it was found.
type JobResult struct {
	ObjectKey string  `json:"object_key"`
	FileName  string  `json:"file_name"`
	Format    Format  `json:"format"`
	Bytes     int     `json:"bytes"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Mode      string  `json:"mode"`
	Quality   float64 `json:"quality"`
	BudgetMet bool    `json:"budget_met"`
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if err := validate.Var(r.WebhookURL, "omitempty,url"); err != nil {
		return fmt.Errorf("webhook_url is invalid: %w", err)
	}
	if err := r.Transform.Validate(); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	return nil
}
