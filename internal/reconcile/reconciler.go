// Package reconcile merges local optimistic mutations and remote change
// events into the task store of one view.
//
// All store mutation happens on the goroutine running Run. Other goroutines
// submit work and read published snapshots; nothing else writes the store.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/BuzzLyutic/shadowflow/internal/store"
)

var (
	ErrOperationPending = errors.New("operation already in flight for task")
	ErrStopped          = errors.New("reconciler stopped")
)

// Fetcher loads the authoritative task list for a filter.
type Fetcher interface {
	Fetch(ctx context.Context, f model.Filter) ([]model.Task, error)
}

type FetcherFunc func(ctx context.Context, f model.Filter) ([]model.Task, error)

func (fn FetcherFunc) Fetch(ctx context.Context, f model.Filter) ([]model.Task, error) {
	return fn(ctx, f)
}

type Option func(*Reconciler)

// WithOnChange registers a hook called after every published snapshot. It
// runs on the reconciler goroutine and must not block.
func WithOnChange(fn func()) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

type Reconciler struct {
	fetcher  Fetcher
	logger   *zap.Logger
	onChange func()
	now      func() time.Time

	ops      chan func()
	stopped  chan struct{}
	runOnce  sync.Once
	snapshot atomic.Pointer[Snapshot]

	// owned by the Run goroutine
	store    *store.Store
	filter   model.Filter
	gen      uint64
	pending  map[string]model.PendingSet
	seen     map[string]struct{} // ids the feed or the server reported
	inflight int
	replay   []model.ChangeEvent
	loading  bool
	stale    bool
	lastErr  error
}

func New(fetcher Fetcher, filter model.Filter, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		fetcher:  fetcher,
		logger:   logger,
		onChange: func() {},
		now:      time.Now,
		ops:      make(chan func()),
		stopped:  make(chan struct{}),
		store:    store.New(),
		filter:   filter,
		pending:  make(map[string]model.PendingSet),
		seen:     make(map[string]struct{}),
		loading:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snapshot.Store(r.buildSnapshot())
	return r
}

// Run is the single consumer loop. It processes submitted operations and
// remote events until ctx is done. It may be called only once.
func (r *Reconciler) Run(ctx context.Context, events <-chan model.ChangeEvent) error {
	started := false
	r.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("reconciler already running")
	}
	defer close(r.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-r.ops:
			op()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.applyRemote(ev)
			r.publish()
		}
	}
}

// Snapshot returns the latest published view state. Safe from any goroutine.
func (r *Reconciler) Snapshot() Snapshot {
	return *r.snapshot.Load()
}

// do runs fn on the loop and waits for it, snapshot included.
func (r *Reconciler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		fn()
		r.publish()
		close(done)
	}
	select {
	case r.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// SetFilter switches the view to f and loads it from the source of truth.
// Cached tasks of the previous filter are discarded, not re-filtered.
func (r *Reconciler) SetFilter(ctx context.Context, f model.Filter) error {
	err := r.do(ctx, func() {
		r.filter = f
		r.gen++
		r.store.ReplaceAll(nil)
		r.loading = true
	})
	if err != nil {
		return err
	}
	return r.Resync(ctx)
}

// Resync replaces the store with a fresh fetch. A fetch that completes after
// the filter changed is dropped. Remote events that arrived while the fetch
// was in flight are replayed on top of its result.
func (r *Reconciler) Resync(ctx context.Context) error {
	var (
		f   model.Filter
		gen uint64
	)
	err := r.do(ctx, func() {
		f, gen = r.filter, r.gen
		r.inflight++
	})
	if err != nil {
		return err
	}

	tasks, fetchErr := r.fetcher.Fetch(ctx, f)

	// the bookkeeping must land even when ctx is already cancelled
	err = r.do(context.Background(), func() {
		r.inflight--
		defer func() {
			if r.inflight == 0 {
				r.replay = nil
			}
		}()

		if gen != r.gen {
			r.logger.Debug("dropping resync for previous filter", zap.String("filter", string(f)))
			return
		}
		if fetchErr != nil {
			r.loading = false
			r.lastErr = fetchErr
			return
		}

		r.store.ReplaceAll(tasks)
		for _, ev := range r.replay {
			r.applyEvent(ev)
		}
		r.loading = false
		r.stale = false
		r.lastErr = nil
	})
	if err != nil {
		return err
	}
	return fetchErr
}

// Insert adds a task the server confirmed for a local create, if it belongs
// to the current filter. The feed publishes before the create response is
// written, so once the feed has reported the task its state is at least as
// new as t and t is dropped.
func (r *Reconciler) Insert(ctx context.Context, t model.Task) error {
	return r.do(ctx, func() {
		if _, ok := r.seen[t.ID]; ok || r.store.Has(t.ID) || r.deleting(t.ID) {
			return
		}
		if r.filter.Match(t) {
			r.store.Upsert(t)
		}
	})
}

// Remove drops a task the server reported as gone.
func (r *Reconciler) Remove(ctx context.Context, id string) error {
	return r.do(ctx, func() {
		r.seen[id] = struct{}{}
		r.store.Remove(id)
	})
}

// MarkStale flags the store as possibly out of date until the next
// successful resync.
func (r *Reconciler) MarkStale(ctx context.Context) error {
	return r.do(ctx, func() {
		r.stale = true
	})
}

// BeginRename sets the updating flag and applies the new title optimistically.
func (r *Reconciler) BeginRename(ctx context.Context, id, title string) error {
	return r.begin(ctx, id, model.OpUpdating, func() {
		if t, ok := r.store.Get(id); ok {
			t.Title = title
			t.UpdatedAt = r.now()
			r.store.Upsert(t)
		}
	})
}

// BeginSetCompleted sets the completing flag and applies the new state. A
// task that leaves the current filter is removed from the store.
func (r *Reconciler) BeginSetCompleted(ctx context.Context, id string, completed bool) error {
	return r.begin(ctx, id, model.OpCompleting, func() {
		t, ok := r.store.Get(id)
		if !ok {
			return
		}
		t.IsCompleted = completed
		t.UpdatedAt = r.now()
		if r.filter.Match(t) {
			r.store.Upsert(t)
		} else {
			r.store.Remove(id)
		}
	})
}

// BeginDelete sets the deleting flag and removes the task optimistically.
func (r *Reconciler) BeginDelete(ctx context.Context, id string) error {
	return r.begin(ctx, id, model.OpDeleting, func() {
		r.store.Remove(id)
	})
}

// End clears a pending flag. The store is left as it is.
func (r *Reconciler) End(ctx context.Context, id string, op model.PendingOp) error {
	return r.do(ctx, func() {
		set := r.pending[id]
		delete(set, op)
		if len(set) == 0 {
			delete(r.pending, id)
		}
	})
}

func (r *Reconciler) begin(ctx context.Context, id string, op model.PendingOp, apply func()) error {
	busy := false
	err := r.do(ctx, func() {
		set := r.pending[id]
		if set.Has(op) {
			busy = true
			return
		}
		if set == nil {
			set = make(model.PendingSet)
			r.pending[id] = set
		}
		set[op] = struct{}{}
		apply()
	})
	if err != nil {
		return err
	}
	if busy {
		return ErrOperationPending
	}
	return nil
}

func (r *Reconciler) applyRemote(ev model.ChangeEvent) {
	if r.inflight > 0 {
		r.replay = append(r.replay, ev)
	}
	r.applyEvent(ev)
}

func (r *Reconciler) applyEvent(ev model.ChangeEvent) {
	if id := ev.TaskID(); id != "" {
		r.seen[id] = struct{}{}
	}
	switch ev.Kind {
	case model.EventInsert:
		if ev.New == nil {
			return
		}
		t := *ev.New
		if r.filter.Match(t) && !r.deleting(t.ID) {
			r.store.Upsert(t)
		}

	case model.EventUpdate:
		if ev.New == nil {
			return
		}
		t := *ev.New
		was := r.store.Has(t.ID)
		if ev.Old != nil {
			was = r.filter.Match(*ev.Old)
		}
		is := r.filter.Match(t)

		switch {
		case was && is:
			// overwrite in place; an optimistically deleted task stays gone
			if !r.deleting(t.ID) {
				r.store.Upsert(t)
			}
		case !was && is:
			if !r.deleting(t.ID) {
				r.store.Upsert(t)
			}
		case was && !is:
			r.store.Remove(t.ID)
		default:
			// out -> out: a task outside the filter is never in the store
			r.store.Remove(t.ID)
		}

	case model.EventDelete:
		if id := ev.TaskID(); id != "" {
			r.store.Remove(id)
		}

	default:
		r.logger.Warn("ignoring change event", zap.String("kind", string(ev.Kind)))
	}
}

func (r *Reconciler) deleting(id string) bool {
	return r.pending[id].Has(model.OpDeleting)
}

func (r *Reconciler) publish() {
	r.snapshot.Store(r.buildSnapshot())
	r.onChange()
}

func (r *Reconciler) buildSnapshot() *Snapshot {
	pending := make(map[string]model.PendingSet, len(r.pending))
	for id, set := range r.pending {
		cp := make(model.PendingSet, len(set))
		for op := range set {
			cp[op] = struct{}{}
		}
		pending[id] = cp
	}
	return &Snapshot{
		Filter:  r.filter,
		Tasks:   r.store.Project(r.filter),
		Pending: pending,
		Loading: r.loading,
		Stale:   r.stale,
		Err:     r.lastErr,
	}
}
