package queue

import (
	"fmt"
	"time"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/hibiken/asynq"
	jsoniter "github.com/json-iterator/go"
)

const TypeTransformImage = "image:transform"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type TransformImagePayload struct {
	JobID       string                 `json:"job_id"`
	UserID      string                 `json:"user_id,omitempty"`
	SourceType  string                 `json:"source_type"`
	WebhookURL  string                 `json:"webhook_url,omitempty"`
	ObjectKey   string                 `json:"object_key"`
	FileName    string                 `json:"file_name,omitempty"`
	Transform   domain.TransformConfig `json:"transform"`
	RequestedAt time.Time              `json:"requested_at"`
}

func NewTransformImageTask(payload TransformImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal transform payload: %w", err)
	}
	return asynq.NewTask(TypeTransformImage, body), nil
}

func ParseTransformImagePayload(task *asynq.Task) (TransformImagePayload, error) {
	var payload TransformImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TransformImagePayload{}, fmt.Errorf("unmarshal transform payload: %w", err)
	}
	return payload, nil
}
