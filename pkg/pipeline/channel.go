// Package pipeline implements channels: the consumer-facing end of a
// subscription. A channel runs every pushed payload through its pipe chain,
// suppresses values equal to the last delivered one and spaces changed values
// at least one throttle interval apart. Nothing is delivered after End.
package pipeline

import (
	"bytes"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/clusterui/realtime/pkg/constants"
)

// ErrSkip returned by a pipe drops the payload without delivering anything.
var ErrSkip = errors.New("skip")

// Pipe transforms one payload. Pipes run in order on every push.
type Pipe func(v any) (any, error)

// Event is one delivery. Exactly one of Value and Err is meaningful.
type Event struct {
	Channel string
	Value   any
	Err     error
}

// Sink receives deliveries. Calls for one channel are serialized.
type Sink func(Event)

type Options struct {
	// Throttle is the minimum spacing between two delivered values.
	// Zero means constants.DefaultThrottleInterval, negative disables throttling.
	Throttle time.Duration
	Pipes    []Pipe
}

type Channel struct {
	ID string

	pipes    []Pipe
	sink     Sink
	throttle time.Duration

	mu         sync.Mutex
	last       []byte
	hasLast    bool
	lastAt     time.Time
	pending    any
	pendingKey []byte
	hasPending bool
	timer      *time.Timer
	ended      bool
	done       chan struct{}
	deliveries int
	suppressed int
}

// New creates a channel delivering to sink. The pipe chain is copied and
// never changes afterwards.
func New(id string, sink Sink, opts Options) *Channel {
	throttle := opts.Throttle
	if throttle == 0 {
		throttle = constants.DefaultThrottleInterval
	}

	pipes := make([]Pipe, len(opts.Pipes))
	copy(pipes, opts.Pipes)

	return &Channel{
		ID:       id,
		pipes:    pipes,
		sink:     sink,
		throttle: throttle,
		done:     make(chan struct{}),
	}
}

// Push runs v through the pipes and delivers the result if it differs from
// the last delivered value. A pipe error is delivered as an error event.
func (c *Channel) Push(v any) error {
	out, err := c.apply(v)
	if errors.Is(err, ErrSkip) {
		return nil
	}
	if err != nil {
		return c.PushError(err)
	}

	key, err := json.Marshal(out)
	if err != nil {
		return c.PushError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return constants.ErrChannelEnded
	}

	if c.hasLast && bytes.Equal(key, c.last) {
		// A pending value that was superseded by the current value is stale.
		c.hasPending = false
		c.pending, c.pendingKey = nil, nil
		c.suppressed++
		return nil
	}

	wait := c.throttle - time.Since(c.lastAt)
	if c.throttle < 0 || !c.hasLast || wait <= 0 {
		c.deliverLocked(out, key)
		return nil
	}

	c.pending, c.pendingKey, c.hasPending = out, key, true
	if c.timer == nil {
		c.timer = time.AfterFunc(wait, c.flush)
	}
	return nil
}

// PushError delivers err immediately. Errors are never deduplicated.
func (c *Channel) PushError(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return constants.ErrChannelEnded
	}
	c.sink(Event{Channel: c.ID, Err: err})
	return nil
}

// End stops all further delivery, including a throttled pending value.
// It is safe to call more than once.
func (c *Channel) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return
	}
	c.ended = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.hasPending = false
	c.pending, c.pendingKey = nil, nil
	close(c.done)
}

// Done is closed by End.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Stats reports how many values were delivered and how many were dropped
// as duplicates.
func (c *Channel) Stats() (delivered, suppressed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveries, c.suppressed
}

func (c *Channel) apply(v any) (any, error) {
	var err error
	for _, p := range c.pipes {
		if v, err = p(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (c *Channel) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timer = nil
	if c.ended || !c.hasPending {
		return
	}
	out, key := c.pending, c.pendingKey
	c.hasPending = false
	c.pending, c.pendingKey = nil, nil
	c.deliverLocked(out, key)
}

func (c *Channel) deliverLocked(v any, key []byte) {
	c.last, c.hasLast = key, true
	c.lastAt = time.Now()
	c.deliveries++
	c.sink(Event{Channel: c.ID, Value: v})
}
