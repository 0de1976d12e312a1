// Package worker delivers outbound webhooks in the background. Delivery is
// fire-and-forget: failures are retried, then logged, never reported to the
// request that queued them.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultQueueSize = 256

// Job is one webhook call.
type Job struct {
	Kind    string
	URL     string
	Payload interface{}
}

type Option func(*Pool)

// WithBackOff replaces the retry policy of a single delivery.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Pool) { p.newBackOff = fn }
}

func WithQueueSize(n int) Option {
	return func(p *Pool) { p.queue = make(chan Job, n) }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

type Pool struct {
	client     *http.Client
	logger     *zap.Logger
	count      int
	queue      chan Job
	newBackOff func() backoff.BackOff
	wg         sync.WaitGroup
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewPool(client *http.Client, logger *zap.Logger, count int, opts ...Option) *Pool {
	if count < 1 {
		count = 1
	}
	p := &Pool{
		client:     client,
		logger:     logger,
		count:      count,
		queue:      make(chan Job, DefaultQueueSize),
		newBackOff: defaultBackOff,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", zap.Int("workers", p.count))

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop waits for in-flight deliveries; queued jobs are dropped.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	if n := len(p.queue); n > 0 {
		p.logger.Warn("dropping queued webhooks", zap.Int("count", n))
	}
	p.logger.Info("Worker pool stopped")
}

// Enqueue never blocks; it reports false when the job was dropped.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.queue <- job:
		return true
	default:
		p.logger.Warn("webhook queue full, dropping job", zap.String("kind", job.Kind))
		return false
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.process(ctx, id, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, job Job) {
	start := time.Now()
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return p.deliver(ctx, job)
	}, backoff.WithContext(p.newBackOff(), ctx))

	if err != nil {
		p.logger.Error("webhook delivery failed",
			zap.Int("worker", workerID),
			zap.String("kind", job.Kind),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	p.logger.Info("webhook delivered",
		zap.Int("worker", workerID),
		zap.String("kind", job.Kind),
		zap.Duration("took", time.Since(start)),
	)
}

func (p *Pool) deliver(ctx context.Context, job Job) error {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook %s: status %d", job.Kind, resp.StatusCode)
	default:
		return backoff.Permanent(errors.New(http.StatusText(resp.StatusCode)))
	}
}
