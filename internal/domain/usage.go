package domain

import "time"

// UsageLog is one billing row per finished job.
type UsageLog struct {
	UserID          string
	JobID           string
	PixelsProcessed int64
	BytesSaved      int64
	EncodeAttempts  int
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
