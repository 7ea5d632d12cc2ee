// Package replay holds idempotent requests issued while the socket is
// disconnected and re-sends them, in order, once it is back.
package replay

import (
	"context"
	"fmt"
	"sync"

	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/logger"
	"github.com/clusterui/realtime/pkg/wire"
)

// Sender performs one acked request without queueing it again.
type Sender interface {
	Do(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

// Settlement is the eventual outcome of a queued request.
type Settlement struct {
	done chan struct{}
	res  *wire.Response
	err  error
}

func newSettlement() *Settlement {
	return &Settlement{done: make(chan struct{})}
}

func (s *Settlement) settle(res *wire.Response, err error) {
	s.res, s.err = res, err
	close(s.done)
}

// Done is closed once the request was replayed successfully or failed for
// good.
func (s *Settlement) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the settlement is settled or ctx is done. Giving up on
// the wait does not remove the request from the queue.
func (s *Settlement) Wait(ctx context.Context) (*wire.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return s.res, s.err
	}
}

type entry struct {
	req        *wire.Request
	settlement *Settlement
}

// Queue is a FIFO of pending idempotent requests. Create one per socket
// session with New.
type Queue struct {
	sender Sender
	logger logger.Logger

	mu      sync.Mutex
	entries []*entry

	// running serializes Go rounds.
	running sync.Mutex
}

func New(sender Sender, log logger.Logger) *Queue {
	if log == nil {
		log = logger.Default()
	}
	return &Queue{sender: sender, logger: log}
}

// IsIdempotent reports whether req may be replayed: GET, PUT and DELETE.
func IsIdempotent(req *wire.Request) (bool, error) {
	verb, err := req.Verb()
	if err != nil {
		return false, err
	}
	return verb.Idempotent(), nil
}

// Add enqueues req at the tail. Non-idempotent requests are refused.
func (q *Queue) Add(req *wire.Request) (*Settlement, error) {
	ok, err := IsIdempotent(req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", constants.ErrNotIdempotent, req.Options.Method, req.Path)
	}

	e := &entry{req: req, settlement: newSettlement()}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	n := len(q.entries)
	q.mu.Unlock()

	q.logger.Debug("request queued for replay", "method", req.Options.Method, "path", req.Path, "pending", n)
	return e.settlement, nil
}

// Go replays queued requests one at a time in FIFO order. A success or a
// backend failure settles and dequeues the entry. A status-0 failure stops
// the round, leaving that entry and all later ones queued, and is returned.
func (q *Queue) Go(ctx context.Context) error {
	q.running.Lock()
	defer q.running.Unlock()

	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.entries[0]
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}

		req := *head.req
		req.Replay = true
		res, err := q.sender.Do(ctx, &req)
		if err == nil && res != nil && res.IsError() {
			err = res.Err()
		}

		if wire.IsTransport(err) || (err != nil && ctx.Err() != nil) {
			q.logger.Info("replay stopped", "method", req.Options.Method, "path", req.Path, "error", err)
			return err
		}

		q.mu.Lock()
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if err != nil {
			q.logger.Warn("replayed request failed", "method", req.Options.Method, "path", req.Path, "error", err)
		}
		head.settlement.settle(res, err)
	}
}

// HasPending reports whether any request is waiting for replay.
func (q *Queue) HasPending() bool {
	return q.Len() > 0
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
