// Package changefeed keeps a live subscription to the server's row-level
// change stream for the signed-in user's tasks.
package changefeed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/apiclient"
	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/BuzzLyutic/shadowflow/internal/session"
)

const (
	eventBuffer   = 256
	maxFrameBytes = 1 << 20
)

var ErrClosed = errors.New("subscriber closed")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Streamer opens the raw change stream. *apiclient.Client implements it.
type Streamer interface {
	OpenChanges(ctx context.Context, token string) (io.ReadCloser, error)
}

// Subscriber delivers decoded change events on one channel that survives
// reconnections. After a transport failure it stays Disconnected until Open
// is called again.
type Subscriber struct {
	api    Streamer
	sess   *session.Session
	logger *zap.Logger

	events chan model.ChangeEvent
	states chan State

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func New(api Streamer, sess *session.Session, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		api:    api,
		sess:   sess,
		logger: logger,
		events: make(chan model.ChangeEvent, eventBuffer),
		states: make(chan State, 1),
	}
}

// Events is the stream of decoded change events, in delivery order.
func (s *Subscriber) Events() <-chan model.ChangeEvent {
	return s.events
}

// States reports state transitions. It holds only the latest transition;
// use State for the current value.
func (s *Subscriber) States() <-chan State {
	return s.states
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open connects the stream. ctx bounds only the connection attempt; the
// stream itself lives until Close or a transport failure. Opening an already
// connected subscriber is a no-op.
func (s *Subscriber) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateConnected:
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting)
	prevCancel, prevDone := s.cancel, s.done
	s.mu.Unlock()

	// the previous reader must be gone before a new one starts writing events
	if prevCancel != nil {
		prevCancel()
	}
	if prevDone != nil {
		<-prevDone
	}

	token, err := s.sess.AccessToken(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", apiclient.ErrUnauthorized, err)
		s.fail(err)
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	body, err := s.api.OpenChanges(streamCtx, token)
	stop()
	if err == nil && streamCtx.Err() != nil {
		body.Close()
		err = streamCtx.Err()
	}
	if err != nil {
		cancel()
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		cancel()
		body.Close()
		return ErrClosed
	}
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	s.logger.Info("change feed connected", zap.String("user_id", s.sess.UserID()))
	go s.read(streamCtx, body, done)
	return nil
}

// Close tears the subscription down for good.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Subscriber) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.logger.Warn("change feed disconnected", zap.String("user_id", s.sess.UserID()), zap.Error(err))
	s.setStateLocked(StateDisconnected)
}

// setStateLocked publishes st, replacing an unread transition.
func (s *Subscriber) setStateLocked(st State) {
	s.state = st
	select {
	case s.states <- st:
	default:
		select {
		case <-s.states:
		default:
		}
		s.states <- st
	}
}

func (s *Subscriber) read(ctx context.Context, body io.ReadCloser, done chan struct{}) {
	defer close(done)
	defer body.Close()

	err := readFrames(body, func(payload []byte) bool {
		ev, err := Decode(payload)
		if err != nil {
			s.logger.Warn("skipping change event", zap.Error(err))
			return true
		}
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	})

	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.fail(err)
}

// readFrames parses a text/event-stream body and calls fn with the data of
// each dispatched event. It stops when fn returns false.
func readFrames(r io.Reader, fn func([]byte) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrameBytes)

	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() == 0 {
				continue
			}
			payload := append([]byte(nil), data.Bytes()...)
			data.Reset()
			if !fn(payload) {
				return nil
			}
		case line[0] == ':':
			// comment / heartbeat
		case bytes.HasPrefix(line, []byte("data:")):
			v := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(v)
		}
	}
	return sc.Err()
}
