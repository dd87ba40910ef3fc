package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority buckets a job for consumers that want coarse ordering hints.
// Neither binding reorders deliveries by priority; the field travels
// with the payload so downstream systems can use it.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Contract is what the engine requires of a job type. The type parameter
// is the implementing type itself, so WithRetry can return a new value of
// the concrete type rather than an interface.
//
// WithRetry must be pure: it returns a copy with RetryCount incremented
// by one and every other field preserved. Only the worker engine calls
// it; applications create jobs with a zero retry count.
type Contract[J any] interface {
	// JobID returns the stable identifier, unique per logical job.
	// Processors must be idempotent on it: broker visibility timeouts
	// can redeliver a job that a slow processor is still holding.
	JobID() string

	// RetryCount reports how many times a processor has returned a
	// retryable outcome for this job. Starts at zero.
	RetryCount() int

	// Priority returns the job's priority bucket.
	Priority() Priority

	// DedupKey returns the optional deduplication key, or "" if unset.
	// Bindings that support broker-side dedup pass it through; dedup is
	// best-effort and the producer keeps no state of its own.
	DedupKey() string

	// WithRetry returns a new job value with RetryCount+1 and all other
	// fields preserved.
	WithRetry() J

	// Marshal serializes the job to a self-describing byte payload.
	Marshal() ([]byte, error)
}

// Raw is the default job shape moved by the bindings: a JSON envelope
// around an opaque application payload. Typed processors decode Payload
// themselves.
type Raw struct {
	ID        string          `json:"job_id"`
	Retries   int             `json:"retry_count"`
	Prio      Priority        `json:"priority,omitempty"`
	Dedup     string          `json:"dedup_key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	FirstSeen time.Time       `json:"first_seen_at,omitempty"`
}

var _ Contract[Raw] = Raw{}

// NewRaw creates a Raw job with a zero retry count and FirstSeen set to
// now.
func NewRaw(id string, payload json.RawMessage) Raw {
	return Raw{ID: id, Prio: PriorityNormal, Payload: payload, FirstSeen: time.Now().UTC()}
}

func (r Raw) JobID() string      { return r.ID }
func (r Raw) RetryCount() int    { return r.Retries }
func (r Raw) Priority() Priority { return r.Prio }
func (r Raw) DedupKey() string   { return r.Dedup }

// FirstSeenAt reports when the job was first created, for dead letter
// records that track a job's full lifetime across retries.
func (r Raw) FirstSeenAt() time.Time { return r.FirstSeen }

// WithRetry returns a copy with the retry counter bumped.
func (r Raw) WithRetry() Raw {
	r.Retries++
	return r
}

// Marshal renders the job as JSON.
func (r Raw) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("job: marshal %s: %w", r.ID, err)
	}
	return b, nil
}

// DecodeRaw parses a Raw job from its serialized form. A payload without
// a job_id is rejected: the engine cannot make idempotent terminal
// decisions about an anonymous job.
func DecodeRaw(b []byte) (Raw, error) {
	var r Raw
	if err := json.Unmarshal(b, &r); err != nil {
		return Raw{}, fmt.Errorf("job: decode: %w", err)
	}
	if r.ID == "" {
		return Raw{}, fmt.Errorf("job: decode: missing job_id")
	}
	return r, nil
}
