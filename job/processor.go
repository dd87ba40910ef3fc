package job

import "context"

// Processor executes jobs of type J. Implementations must be safe for
// concurrent calls from multiple goroutines; any per-processor state
// must be internally synchronized. Processors never acknowledge to the
// broker; the engine does, based on the returned Result.
type Processor[J any] interface {
	// Process runs one attempt. The context carries the engine's
	// per-attempt deadline when the Timeout middleware is installed.
	Process(ctx context.Context, j J) Result

	// Name identifies the processor in logs and traces.
	Name() string
}

// PermanentFailureHook is optionally implemented by processors that want
// a callback before a job of theirs is dead-lettered. The hook runs
// before the DLQ write; returning is the only way to proceed, so hooks
// should be quick and must not panic the decision path (the engine
// recovers and dead-letters anyway).
type PermanentFailureHook[J any] interface {
	OnPermanentFailure(ctx context.Context, j J, cause error)
}

// Func adapts a plain function to a Processor.
type Func[J any] struct {
	ProcessorName string
	Fn            func(ctx context.Context, j J) Result
}

func (f Func[J]) Process(ctx context.Context, j J) Result { return f.Fn(ctx, j) }

func (f Func[J]) Name() string {
	if f.ProcessorName == "" {
		return "func"
	}
	return f.ProcessorName
}
