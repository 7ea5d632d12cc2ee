package client

import (
	"sync"
	"sync/atomic"

	"github.com/clusterui/realtime/pkg/wire"
)

const streamBuffer = 64

// Stream receives the values of one subscription, in delivery order. Error
// frames arrive on C as error envelopes; the subscription keeps running.
type Stream struct {
	Channel string
	Route   string
	// C buffers a bounded number of frames. When a consumer falls that far
	// behind, the oldest buffered frame is dropped for each new one, so C
	// always ends with the latest value. Dropped counts them.
	C <-chan *wire.Response

	c       chan *wire.Response
	done    chan struct{}
	once    sync.Once
	onEnd   func()
	dropped atomic.Int64

	// subscribe is re-sent after a reconnect.
	subscribe *wire.Request
}

// NewStream builds a stream whose End calls onEnd once. Sockets create
// streams through Subscribe; the constructor is exported for fakes.
func NewStream(channel string, onEnd func()) *Stream {
	c := make(chan *wire.Response, streamBuffer)
	return &Stream{
		Channel: channel,
		C:       c,
		c:       c,
		done:    make(chan struct{}),
		onEnd:   onEnd,
	}
}

// Deliver hands res to the consumer without blocking and reports false once
// the stream has ended. Deliver must not be called concurrently.
func (s *Stream) Deliver(res *wire.Response) bool {
	ok, _ := s.deliver(res)
	return ok
}

func (s *Stream) deliver(res *wire.Response) (ok, dropped bool) {
	select {
	case <-s.done:
		return false, false
	default:
	}
	for {
		select {
		case s.c <- res:
			return true, dropped
		default:
		}
		select {
		case <-s.c:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// Dropped reports how many frames were discarded because C was full.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}

// End stops the subscription. Values already buffered on C stay readable.
func (s *Stream) End() {
	s.once.Do(func() {
		close(s.done)
		if s.onEnd != nil {
			s.onEnd()
		}
	})
}

// Done is closed when the stream ends, either through End or because the
// socket was closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
