package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry maps each Kind to the host provider that serves it. It never
// caches availability: the host owns ground truth and is asked every time.
type Registry struct {
	mu        sync.RWMutex
	providers map[Kind]Provider
	sink      ProgressSink
	logger    *slog.Logger
}

// NewRegistry creates a registry with the given providers. A nil sink
// discards progress events; a nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger, sink ProgressSink, providers ...Provider) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = discardSink{}
	}
	r := &Registry{
		providers: make(map[Kind]Provider, len(providers)),
		sink:      sink,
		logger:    logger.With("subsystem", "capability"),
	}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the provider for p.Kind().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// Provider returns the provider for kind, if the host has one.
func (r *Registry) Provider(kind Kind) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	return p, ok
}

// Monitor returns a monitor that forwards download progress for kind to the
// registry's sink.
func (r *Registry) Monitor(kind Kind) Monitor {
	return monitorFor(kind, r.sink)
}

// CheckAvailability queries the host for kind. A missing provider or a
// failing query both read as Unavailable; the failure is logged, not returned.
func (r *Registry) CheckAvailability(ctx context.Context, kind Kind, opts Options) Status {
	p, ok := r.Provider(kind)
	if !ok {
		return Status{State: Unavailable}
	}
	st, err := p.Availability(ctx, opts)
	if err != nil {
		r.logger.Error("availability query failed", "kind", kind.String(), "error", err)
		return Status{State: Unavailable}
	}
	if st.State == Downloading {
		r.sink.Publish(DownloadProgress{Kind: kind, PercentLoaded: st.Progress})
	}
	return st
}

// CheckEnvironment surveys every kind concurrently.
func (r *Registry) CheckEnvironment(ctx context.Context) map[Kind]Status {
	var (
		mu  sync.Mutex
		out = make(map[Kind]Status, len(AllKinds))
		g   errgroup.Group
	)
	for _, kind := range AllKinds {
		g.Go(func() error {
			st := r.CheckAvailability(ctx, kind, Options{})
			mu.Lock()
			out[kind] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Download fetches the model behind kind. It is only ever triggered by an
// explicit caller action; nothing in the core downloads implicitly.
func (r *Registry) Download(ctx context.Context, kind Kind, opts Options) error {
	p, ok := r.Provider(kind)
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrCapabilityUnavailable)
	}
	st := r.CheckAvailability(ctx, kind, opts)
	switch st.State {
	case Unavailable:
		return fmt.Errorf("%s: %w", kind, ErrCapabilityUnavailable)
	case Ready:
		return nil
	}
	d, ok := p.(Downloader)
	if !ok {
		return fmt.Errorf("%s: host does not support explicit download", kind)
	}

	r.logger.Info("download started", "kind", kind.String())
	monitor := r.Monitor(kind)
	monitor(0)
	if err := d.Download(ctx, opts, monitor); err != nil {
		r.logger.Error("download failed", "kind", kind.String(), "error", err)
		return fmt.Errorf("download %s: %w", kind, err)
	}
	monitor(1)
	r.logger.Info("download completed", "kind", kind.String())
	return nil
}
