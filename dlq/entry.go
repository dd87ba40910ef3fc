package dlq

import (
	"time"

	"github.com/carverd/conveyor/job"
)

// Entry is one terminally failed message, preserved for inspection and
// replay. Payload holds the original serialized job bytes unchanged.
type Entry struct {
	ID            string       `json:"id"`
	OriginalQueue string       `json:"original_queue"`
	JobID         string       `json:"job_id"`
	RetryCount    int          `json:"retry_count"`
	ErrorCategory job.Category `json:"error_category"`
	ErrorMessage  string       `json:"error_message"`
	FirstSeenAt   time.Time    `json:"first_seen_at,omitempty"`
	FailedAt      time.Time    `json:"failed_at"`
	WorkerID      string       `json:"worker_id"`
	Payload       []byte       `json:"payload"`
}
