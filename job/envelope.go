package job

import "time"

// Envelope is what a broker binding hands the engine: the decoded job
// plus broker-side delivery metadata and the opaque ack token the
// binding needs to resolve the message later.
type Envelope[J Contract[J]] struct {
	Job           J
	Queue         string
	DeliveryCount int
	ReceivedAt    time.Time
	Token         any
}

// Attempt returns the envelope's effective attempt number, reconciling
// the payload retry counter with the broker delivery count.
func (e Envelope[J]) Attempt() int {
	return Attempt(e.Job.RetryCount(), e.DeliveryCount)
}

// Attempt reconciles the two independent failure signals: the
// worker-owned retry counter carried in the payload and the
// broker-tracked delivery count. The larger wins when deciding against
// the retry budget, so a message the broker has redelivered many times
// (crashed consumers, expired visibility timeouts) still terminates even
// if its payload counter never advanced.
func Attempt(retryCount, deliveryCount int) int {
	if d := deliveryCount - 1; d > retryCount {
		return d
	}
	return retryCount
}
