package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRewriteBatch = "batch:rewrite"

type RewriteBatchPayload struct {
	JobID        string    `json:"job_id"`
	SourceType   string    `json:"source_type"`
	Profile      string    `json:"profile,omitempty"`
	SupportsWebP *bool     `json:"supports_webp,omitempty"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	ObjectKey    string    `json:"object_key"`
	RequestedAt  time.Time `json:"requested_at"`
}

// TaskID is unique per start request so a failed batch, whose task asynq
// keeps archived, can be started again.
func TaskID(payload RewriteBatchPayload) string {
	return fmt.Sprintf("%s@%d", payload.JobID, payload.RequestedAt.UnixMilli())
}

func NewRewriteBatchTask(payload RewriteBatchPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rewrite batch payload: %w", err)
	}
	return asynq.NewTask(TypeRewriteBatch, body), nil
}

func ParseRewriteBatchPayload(task *asynq.Task) (RewriteBatchPayload, error) {
	var payload RewriteBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RewriteBatchPayload{}, fmt.Errorf("unmarshal rewrite batch payload: %w", err)
	}
	if payload.JobID == "" {
		return RewriteBatchPayload{}, fmt.Errorf("rewrite batch payload is missing job_id")
	}
	return payload, nil
}
