package conveyor

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Identity names one worker process. It is used as the broker consumer
// name and attached to log and metric labels and to DLQ entries, so a
// stuck pending entry can be traced back to the process that claimed it.
type Identity struct {
	Hostname string
	PID      int
	Nonce    string
}

// NewIdentity builds an Identity for the current process with a random
// nonce. The nonce distinguishes restarts on the same host, which would
// otherwise collide on consumer names and inherit each other's pending
// entries immediately.
func NewIdentity() Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return Identity{
		Hostname: host,
		PID:      os.Getpid(),
		Nonce:    uuid.NewString()[:8],
	}
}

// String renders the identity as host-pid-nonce.
func (i Identity) String() string {
	return fmt.Sprintf("%s-%d-%s", i.Hostname, i.PID, i.Nonce)
}
