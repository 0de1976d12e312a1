// Package tasklist owns the lifecycle of one task view: it wires the store,
// reconciler, change feed and mutation gateway for the signed-in session and
// rebuilds them when the session changes.
package tasklist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/apiclient"
	"github.com/BuzzLyutic/shadowflow/internal/changefeed"
	"github.com/BuzzLyutic/shadowflow/internal/gateway"
	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/BuzzLyutic/shadowflow/internal/reconcile"
	"github.com/BuzzLyutic/shadowflow/internal/session"
)

// API is everything the view needs from the server. *apiclient.Client implements it.
type API interface {
	gateway.API
	changefeed.Streamer
}

type Options struct {
	Filter model.Filter
	// AutoReconnect reopens a dropped change feed with exponential backoff
	// and resyncs afterwards. Without it the feed stays down until Reconnect.
	AutoReconnect bool
	// NewBackOff builds the reconnect policy; defaults to exponential backoff
	// capped at 30s between attempts and no overall deadline.
	NewBackOff func() backoff.BackOff
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// components is everything bound to one session.
type components struct {
	sess   *session.Session
	rec    *reconcile.Reconciler
	sub    *changefeed.Subscriber
	gw     *gateway.Gateway
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type View struct {
	api     API
	logger  *zap.Logger
	opts    Options
	updates chan struct{}

	mu     sync.Mutex
	filter model.Filter
	cur    *components
}

func New(api API, logger *zap.Logger, opts Options) *View {
	if opts.Filter == "" {
		opts.Filter = model.FilterAll
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	return &View{
		api:     api,
		logger:  logger,
		opts:    opts,
		updates: make(chan struct{}, 1),
		filter:  opts.Filter,
	}
}

// Updates signals that Snapshot changed. Signals coalesce.
func (v *View) Updates() <-chan struct{} {
	return v.updates
}

func (v *View) notify() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}

// Open binds the view to sess: it subscribes to the change feed and then
// loads the tasks of the current filter. A feed that cannot be opened leaves
// the view stale but usable.
func (v *View) Open(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return session.ErrNoSession
	}

	v.mu.Lock()
	old := v.cur
	v.cur = nil
	filter := v.filter
	v.mu.Unlock()
	if old != nil {
		old.close()
	}

	c := &components{sess: sess}
	fetcher := gateway.NewFetcher(v.api, sess)
	c.rec = reconcile.New(fetcher, filter, v.logger, reconcile.WithOnChange(v.notify))
	c.sub = changefeed.New(v.api, sess, v.logger)
	c.gw = gateway.New(v.api, sess, c.rec, v.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.rec.Run(runCtx, c.sub.Events())
	}()
	go func() {
		defer c.wg.Done()
		v.supervise(runCtx, c)
	}()

	v.mu.Lock()
	v.cur = c
	v.mu.Unlock()
	v.notify()

	v.logger.Info("opening task view", zap.String("user_id", sess.UserID()), zap.String("filter", string(filter)))

	// subscribe first: anything committed after this point reaches us as an
	// event, anything before it is in the fetch
	if err := c.sub.Open(ctx); err != nil {
		v.logger.Warn("change feed unavailable", zap.Error(err))
	}
	if err := c.rec.Resync(ctx); err != nil {
		return err
	}
	// a resync clears the stale mark, but without a feed the store lags again
	if c.sub.State() != changefeed.StateConnected {
		return c.rec.MarkStale(ctx)
	}
	return nil
}

// OnSessionChange tears down everything bound to the previous session and,
// when sess is not nil, opens the view for the new one. A nil sess signs out.
func (v *View) OnSessionChange(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		v.Close()
		v.notify()
		return nil
	}
	return v.Open(ctx, sess)
}

// Close discards the store and stops the subscription.
func (v *View) Close() {
	v.mu.Lock()
	c := v.cur
	v.cur = nil
	v.mu.Unlock()
	if c != nil {
		c.close()
	}
}

func (c *components) close() {
	c.sub.Close()
	c.cancel()
	c.wg.Wait()
}

// Reconnect reopens the change feed and forces a resync, bringing the store
// back to parity with the server.
func (v *View) Reconnect(ctx context.Context) error {
	c, err := v.current()
	if err != nil {
		return err
	}
	if err := c.sub.Open(ctx); err != nil {
		return err
	}
	return c.rec.Resync(ctx)
}

// Refresh forces a resync without touching the feed.
func (v *View) Refresh(ctx context.Context) error {
	c, err := v.current()
	if err != nil {
		return err
	}
	return c.rec.Resync(ctx)
}

func (v *View) Snapshot() reconcile.Snapshot {
	v.mu.Lock()
	c, filter := v.cur, v.filter
	v.mu.Unlock()
	if c == nil {
		return reconcile.Snapshot{Filter: filter, Pending: map[string]model.PendingSet{}}
	}
	return c.rec.Snapshot()
}

func (v *View) FeedState() changefeed.State {
	c, err := v.current()
	if err != nil {
		return changefeed.StateIdle
	}
	return c.sub.State()
}

func (v *View) UserID() string {
	c, err := v.current()
	if err != nil {
		return ""
	}
	return c.sess.UserID()
}

// SetFilter switches the filter; it is kept across session changes.
func (v *View) SetFilter(ctx context.Context, f model.Filter) error {
	v.mu.Lock()
	v.filter = f
	c := v.cur
	v.mu.Unlock()
	if c == nil {
		v.notify()
		return nil
	}
	return c.rec.SetFilter(ctx, f)
}

func (v *View) Create(ctx context.Context, title string) (model.Task, error) {
	c, err := v.current()
	if err != nil {
		return model.Task{}, err
	}
	return c.gw.Create(ctx, title)
}

func (v *View) Rename(ctx context.Context, id, title string) error {
	c, err := v.current()
	if err != nil {
		return err
	}
	return c.gw.Rename(ctx, id, title)
}

func (v *View) SetCompleted(ctx context.Context, id string, completed bool) error {
	c, err := v.current()
	if err != nil {
		return err
	}
	return c.gw.SetCompleted(ctx, id, completed)
}

func (v *View) Toggle(ctx context.Context, id string) error {
	c, err := v.current()
	if err != nil {
		return err
	}
	return c.gw.Toggle(ctx, id)
}

func (v *View) Delete(ctx context.Context, id string) error {
	c, err := v.current()
	if err != nil {
		return err
	}
	return c.gw.Delete(ctx, id)
}

func (v *View) current() (*components, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cur == nil {
		return nil, fmt.Errorf("%w: %w", apiclient.ErrUnauthorized, session.ErrNoSession)
	}
	return v.cur, nil
}

// supervise watches the feed of one session. A disconnect marks the store
// stale; with AutoReconnect the feed is reopened and the store resynced.
// After a permanent failure it waits for a manual Reconnect.
func (v *View) supervise(ctx context.Context, c *components) {
	halted := false
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-c.sub.States():
			v.notify()
			if st == changefeed.StateConnected {
				halted = false
			}
			if st != changefeed.StateDisconnected || c.sub.State() != changefeed.StateDisconnected {
				continue
			}
			if err := c.rec.MarkStale(ctx); err != nil {
				return
			}
			if !v.opts.AutoReconnect || halted {
				continue
			}
			if err := v.reconnect(ctx, c); err != nil && ctx.Err() == nil {
				v.logger.Error("change feed reconnect gave up", zap.Error(err))
				halted = true
			}
		}
	}
}

func (v *View) reconnect(ctx context.Context, c *components) error {
	attempt := 0
	open := func() error {
		attempt++
		err := c.sub.Open(ctx)
		if err == nil {
			return nil
		}
		v.logger.Warn("change feed reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, apiclient.ErrUnauthorized) || errors.Is(err, changefeed.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(open, backoff.WithContext(v.opts.NewBackOff(), ctx)); err != nil {
		return err
	}
	v.logger.Info("change feed reconnected", zap.Int("attempts", attempt))
	return c.rec.Resync(ctx)
}
