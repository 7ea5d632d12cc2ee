package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lxzan/gws"
	"github.com/sourcegraph/conc"

	"github.com/clusterui/realtime/internal/codec"
	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/logger"
	"github.com/clusterui/realtime/pkg/pipeline"
	"github.com/clusterui/realtime/pkg/reconcile"
	"github.com/clusterui/realtime/pkg/wire"
)

// frameWriter is the part of *gws.Conn a Connection writes through.
type frameWriter interface {
	WriteMessage(opcode gws.Opcode, payload []byte) error
}

type subscription struct {
	ch     *pipeline.Channel
	cancel context.CancelFunc
	// finished is set once the route stopped polling on its own. The channel
	// stays registered so that a throttled last value still flushes and a
	// later end or Close can end it.
	finished bool
}

// Connection is one socket session and the channels it owns. Closing it
// ends every channel and waits for all of its goroutines.
type Connection struct {
	ID string

	router *Router
	socket frameWriter
	codec  codec.Codec
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	channels map[string]*subscription
	closed   bool
}

func NewConnection(id string, router *Router, socket frameWriter, c codec.Codec, log logger.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		ID:       id,
		router:   router,
		socket:   socket,
		codec:    c,
		logger:   log.With("connection", id),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*subscription),
	}
}

// HandleFrame decodes one inbound frame and acts on it. Calls and
// subscriptions run on their own goroutines, so data may be reused after
// HandleFrame returns.
func (c *Connection) HandleFrame(data []byte) {
	var req wire.Request
	if err := c.codec.Unmarshal(data, &req); err != nil {
		c.logger.Warn("failed to decode frame", "error", err)
		return
	}

	switch req.Type {
	case wire.FrameRequest:
		c.handleRequest(&req)
	case wire.FrameSubscribe:
		c.subscribe(&req)
	case wire.FrameEnd:
		if err := c.end(req.Channel); err != nil {
			c.logger.Debug("failed to end channel", "channel", req.Channel, "error", err)
		}
	default:
		err := &wire.ValidationError{Field: "type", Reason: "unsupported frame type " + string(req.Type)}
		if req.Ack {
			c.send(wire.Failure(req.ID, err))
			return
		}
		c.logger.Warn(err.Error())
	}
}

func (c *Connection) handleRequest(req *wire.Request) {
	if !c.goSafe(func() {
		res, err := c.router.Dispatch(c.ctx, req)
		if req.Ack {
			c.send(res)
			return
		}
		if err != nil {
			c.logger.Warn("push request failed", "path", req.Path, "error", err)
		}
	}) && req.Ack {
		c.send(wire.Failure(req.ID, &wire.TransportError{Err: constants.ErrClosed}))
	}
}

func (c *Connection) subscribe(req *wire.Request) {
	if req.Channel == "" {
		c.logger.Warn("subscribe without channel", "route", req.Route)
		return
	}

	ch, route, err := c.router.NewChannel(req, c.sink(req))
	if err != nil {
		var validationErr *wire.ValidationError
		if !errors.As(err, &validationErr) {
			err = &wire.ValidationError{Field: "route", Reason: err.Error()}
		}
		c.sendStreamError(req.Channel, err)
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		cancel()
		return
	}
	if old, ok := c.channels[req.Channel]; ok {
		if !old.finished {
			cancel()
			c.sendStreamError(req.Channel, &wire.ValidationError{Field: "channel", Reason: constants.ErrIDInUse.Error()})
			return
		}
		old.ch.End()
	}
	sub := &subscription{ch: ch, cancel: cancel}
	c.channels[req.Channel] = sub

	c.logger.Debug("stream started", "channel", req.Channel, "route", req.Route, "shape", route.Shape)

	c.wg.Go(func() {
		defer cancel()
		activeSubscriptions.Inc()
		defer activeSubscriptions.Dec()

		if err := c.router.Subscribe(ctx, ch, req); err != nil {
			c.logger.Error("stream failed", "channel", req.Channel, "error", err)
		}
		c.finish(req.Channel, sub)
	})
}

// sink writes channel events as stream frames.
func (c *Connection) sink(req *wire.Request) pipeline.Sink {
	route, _ := c.router.Route(req.Route)
	return func(ev pipeline.Event) {
		if ev.Err != nil {
			c.sendStreamError(ev.Channel, ev.Err)
			return
		}

		shape := route.Shape
		if shape == "" {
			shape = req.Shape
		}
		if shape == "" {
			shape = reconcile.InferShape(ev.Value)
		}
		c.send(&wire.Response{
			Type:       wire.FrameStream,
			Channel:    ev.Channel,
			Shape:      shape,
			StatusCode: 200,
			Body:       ev.Value,
		})
	}
}

func (c *Connection) sendStreamError(channel string, err error) {
	c.send(&wire.Response{
		Type:       wire.FrameStreamError,
		Channel:    channel,
		StatusCode: wire.StatusCode(err),
		Error:      wire.NewErrorBody(err),
	})
}

func (c *Connection) end(channel string) error {
	c.mu.Lock()
	sub, ok := c.channels[channel]
	delete(c.channels, channel)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", constants.ErrUnknownChannel, channel)
	}
	sub.cancel()
	sub.ch.End()
	return nil
}

func (c *Connection) finish(channel string, sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[channel] == sub {
		sub.finished = true
	}
}

// Channels returns the number of channels whose route is still polling.
func (c *Connection) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sub := range c.channels {
		if !sub.finished {
			n++
		}
	}
	return n
}

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.channels
	c.channels = make(map[string]*subscription)
	c.mu.Unlock()

	c.cancel()
	for _, sub := range subs {
		sub.ch.End()
	}
	c.wg.Wait()
}

// goSafe starts fn unless the connection is closed.
func (c *Connection) goSafe(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Go(fn)
	return true
}

func (c *Connection) send(res *wire.Response) {
	data, err := c.codec.Marshal(res)
	if err != nil {
		c.logger.Error("failed to encode frame", "error", err)
		data, err = c.codec.Marshal(wire.Failure(res.ID, err))
		if err != nil {
			return
		}
	}

	opcode := gws.OpcodeText
	if c.codec.Binary() {
		opcode = gws.OpcodeBinary
	}
	if err := c.socket.WriteMessage(opcode, data); err != nil {
		c.logger.Debug("failed to write frame", "type", res.Type, "error", err)
		return
	}
	framesTotal.WithLabelValues(string(res.Type)).Inc()
}
