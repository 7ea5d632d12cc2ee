package client

import (
	"context"
	"sync"

	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/wire"
)

// Socket is one logical channel on a Conn. Calls are not limited, but only
// one stream may be active at a time.
type Socket struct {
	conn *Conn

	mu     sync.Mutex
	stream *Stream
}

func (s *Socket) Send(ctx context.Context, verb wire.Verb, path string, opts wire.Options) (*wire.Response, error) {
	return s.conn.Send(ctx, verb, path, opts)
}

func (s *Socket) Get(ctx context.Context, path string, opts wire.Options) (*wire.Response, error) {
	return s.conn.Send(ctx, wire.Get, path, opts)
}

func (s *Socket) Put(ctx context.Context, path string, opts wire.Options) (*wire.Response, error) {
	return s.conn.Send(ctx, wire.Put, path, opts)
}

func (s *Socket) Post(ctx context.Context, path string, opts wire.Options) (*wire.Response, error) {
	return s.conn.Send(ctx, wire.Post, path, opts)
}

func (s *Socket) Delete(ctx context.Context, path string, opts wire.Options) (*wire.Response, error) {
	return s.conn.Send(ctx, wire.Delete, path, opts)
}

func (s *Socket) Patch(ctx context.Context, path string, opts wire.Options) (*wire.Response, error) {
	return s.conn.Send(ctx, wire.Patch, path, opts)
}

func (s *Socket) SendAsync(verb wire.Verb, path string, opts wire.Options, cb func(*wire.Response)) {
	s.conn.SendAsync(verb, path, opts, cb)
}

func (s *Socket) Push(verb wire.Verb, path string, opts wire.Options) error {
	return s.conn.Push(verb, path, opts)
}

// Subscribe starts the socket's stream. It fails with
// constants.ErrStreamActive while a previous stream has not ended.
func (s *Socket) Subscribe(ctx context.Context, route, path string, opts wire.Options) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		select {
		case <-s.stream.Done():
		default:
			return nil, constants.ErrStreamActive
		}
	}

	stream, err := s.conn.Subscribe(ctx, route, path, opts)
	if err != nil {
		return nil, err
	}
	s.stream = stream
	return stream, nil
}

// End ends the active stream, if any.
func (s *Socket) End() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream != nil {
		stream.End()
	}
}
