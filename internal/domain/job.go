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

type CreateBatchRequest struct {
	SourceType   string `json:"source_type"`
	Profile      string `json:"profile,omitempty"`
	SupportsWebP *bool  `json:"supports_webp,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	ObjectKey    string `json:"object_key,omitempty"`
}

type Job struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	SourceType   string    `json:"source_type"`
	Profile      string    `json:"profile"`
	SupportsWebP *bool     `json:"supports_webp,omitempty"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	ObjectKey    string    `json:"object_key"`
	ResultKey    string    `json:"result_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r CreateBatchRequest) Validate() error {
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
	if webhook := strings.TrimSpace(r.WebhookURL); webhook != "" &&
		!strings.HasPrefix(webhook, "http://") && !strings.HasPrefix(webhook, "https://") {
		return errors.New("webhook_url must be an http(s) URL")
	}
	return nil
}
