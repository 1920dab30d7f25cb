package capability

import "context"

// ── Streaming events ─────────────────────────────────────────────────────────

type EventType int

const (
	// EventTextDelta: incremental text output.
	EventTextDelta EventType = iota

	// EventDone: the response is complete, includes token usage when known.
	EventDone

	// EventError: the stream failed.
	EventError
)

// Event is one item on a handle's streaming channel.
type Event struct {
	Type EventType

	// EventTextDelta
	TextDelta string

	// EventDone
	Usage *Usage

	// EventError
	Error error
}

// Usage records token consumption of one invocation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ── Host contract ────────────────────────────────────────────────────────────

// Monitor receives download progress as a fraction in [0, 1] while a model
// is fetched during Create or Download.
type Monitor func(loaded float64)

// Provider is the host-side factory for one capability kind.
type Provider interface {
	Kind() Kind

	// Availability reports the current readiness for the given options
	// (translators depend on the language pair).
	Availability(ctx context.Context, opts Options) (Status, error)

	// Params returns the valid sampling ranges.
	Params(ctx context.Context) (Params, error)

	// Create instantiates a session handle. Implementations must not download
	// anything when the capability is not Ready.
	Create(ctx context.Context, opts Options, monitor Monitor) (Handle, error)
}

// Downloader is implemented by providers whose models can be fetched on
// explicit request.
type Downloader interface {
	Download(ctx context.Context, opts Options, monitor Monitor) error
}

// Handle is a live, stateful instance of a capability.
type Handle interface {
	// Invoke runs the capability on input and returns the full result.
	Invoke(ctx context.Context, input string) (string, error)

	// InvokeStreaming emits events until EventDone or EventError, then closes
	// the channel. Cancelling ctx must stop the producer.
	InvokeStreaming(ctx context.Context, input string) (<-chan Event, error)

	// TokensSoFar is the cumulative token usage of the handle's context.
	TokensSoFar() int

	// MaxTokens is the context budget; 0 means unbounded.
	MaxTokens() int

	// Clone returns a fresh handle with the same configuration and an empty context.
	Clone(ctx context.Context) (Handle, error)

	Destroy()
}
