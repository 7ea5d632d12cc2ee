// Package client is the caller side of the gateway socket.
//
// A Conn owns one websocket connection: acked verb calls, fire-and-forget
// pushes and any number of streams, each on its own channel. A Socket is a
// logical channel on a Conn with at most one active stream.
//
// When the transport drops, pending acks fail with a status-0
// *wire.TransportError and the Conn redials with exponential backoff,
// restarting its streams. With a replay queue attached, idempotent calls that
// fail that way, or are issued while disconnected, wait in the queue and are
// re-sent after the reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gorilla "github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/clusterui/realtime/internal/codec"
	"github.com/clusterui/realtime/internal/rand"
	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/logger"
	"github.com/clusterui/realtime/pkg/replay"
	"github.com/clusterui/realtime/pkg/wire"
)

type Config struct {
	// URL of the gateway socket, e.g. "ws://localhost:8080/socket".
	URL   string
	Codec codec.Codec
	// AckTimeout bounds each acked call. Zero means constants.DefaultAckTimeout,
	// negative disables it so that only ctx applies.
	AckTimeout time.Duration
	Logger     logger.Logger
	Dialer     *gorilla.Dialer
	// NewBackOff configures reconnect pacing. The default retries forever.
	NewBackOff func() backoff.BackOff
}

type Conn struct {
	url        string
	codec      codec.Codec
	ackTimeout time.Duration
	dialer     *gorilla.Dialer
	newBackOff func() backoff.BackOff
	logger     logger.Logger

	ws *gorilla.Conn
	// wsLock guards ws and serializes writes.
	wsLock sync.Mutex

	pending     map[string]chan *wire.Response
	pendingLock sync.Mutex

	streams    map[string]*Stream
	streamLock sync.Mutex

	state         State
	stateLock     sync.Mutex
	stateHandlers []func(State)
	replay        *replay.Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func New(cfg Config) *Conn {
	cd := cfg.Codec
	if cd == nil {
		cd = codec.JSON{}
	}

	ackTimeout := cfg.AckTimeout
	if ackTimeout == 0 {
		ackTimeout = constants.DefaultAckTimeout
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &gorilla.Dialer{
			Proxy:            gorilla.DefaultDialer.Proxy,
			HandshakeTimeout: gorilla.DefaultDialer.HandshakeTimeout,
		}
	}
	if cd.Binary() {
		d := *dialer
		d.Subprotocols = []string{constants.CBORSubprotocol}
		dialer = &d
	}

	newBackOff := cfg.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		url:        cfg.URL,
		codec:      cd,
		ackTimeout: ackTimeout,
		dialer:     dialer,
		newBackOff: newBackOff,
		logger:     log.With("url", cfg.URL),
		pending:    make(map[string]chan *wire.Response),
		streams:    make(map[string]*Stream),
		state:      StateDisconnected,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Socket opens a logical channel on the connection.
func (c *Conn) Socket() *Socket {
	return &Socket{conn: c}
}

// AttachReplay makes the connection queue idempotent calls issued while
// disconnected and run the queue after every reconnect.
func (c *Conn) AttachReplay(q *replay.Queue) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.replay = q
}

// OnStateChange registers fn for every state transition. fn runs on the
// goroutine causing the transition and must not block.
func (c *Conn) OnStateChange(fn func(State)) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.stateHandlers = append(c.stateHandlers, fn)
}

func (c *Conn) State() State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *Conn) setState(state State) bool {
	c.stateLock.Lock()
	if c.state == state || c.state == StateClosed {
		c.stateLock.Unlock()
		return false
	}
	c.state = state
	handlers := append([]func(State){}, c.stateHandlers...)
	c.stateLock.Unlock()

	c.logger.Debug("socket state transitioned", "new_state", state)
	for _, fn := range handlers {
		fn(state)
	}
	return true
}

func (c *Conn) replayQueue() *replay.Queue {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.replay
}

// Connect dials the gateway once. Later drops are recovered automatically
// until Close.
func (c *Conn) Connect(ctx context.Context) error {
	if c.url == "" {
		return constants.ErrNoBaseURL
	}
	if err := checkURL(c.url); err != nil {
		return err
	}
	if c.State() == StateClosed {
		return constants.ErrClosed
	}
	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &wire.ValidationError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != constants.WebsocketScheme && u.Scheme != constants.WebsocketSecureScheme {
		return &wire.ValidationError{Field: "url", Reason: fmt.Sprintf("scheme %q is not %s or %s", u.Scheme, constants.WebsocketScheme, constants.WebsocketSecureScheme)}
	}
	return nil
}

func (c *Conn) dial(ctx context.Context) error {
	ws, res, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &wire.TransportError{Err: err}
	}
	defer res.Body.Close()

	c.wsLock.Lock()
	c.ws = ws
	c.wsLock.Unlock()

	if !c.setState(StateConnected) {
		// Closed while dialing.
		c.wsLock.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.wsLock.Unlock()
		_ = ws.Close()
		return backoff.Permanent(constants.ErrClosed)
	}

	c.wg.Go(func() {
		c.readLoop(ws)
	})
	return nil
}

// Close ends every stream, fails pending acks and closes the connection.
// A closed Conn cannot be reconnected.
func (c *Conn) Close(ctx context.Context) error {
	if c.State() == StateClosed {
		return nil
	}
	c.setState(StateClosed)
	c.cancel()

	c.streamLock.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streamLock.Unlock()
	for _, s := range streams {
		s.End()
	}

	c.wsLock.Lock()
	ws := c.ws
	c.ws = nil
	var err error
	if ws != nil {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(time.Second)
		}
		writeErr := ws.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseMessageCode, ""), deadline)
		if writeErr != nil && !errors.Is(writeErr, gorilla.ErrCloseSent) {
			c.logger.Error("failed to write close message", "error", writeErr)
		}
		err = ws.Close()
	}
	c.wsLock.Unlock()

	c.failPending(constants.ErrClosed)
	c.wg.Wait()
	return err
}

// Send issues an acked call. A response with status >= 400 is returned
// together with the error it carries.
func (c *Conn) Send(ctx context.Context, verb wire.Verb, path string, opts wire.Options) (*wire.Response, error) {
	opts.Method = string(verb)
	req := &wire.Request{
		Type:    wire.FrameRequest,
		Path:    wire.StripAPIPrefix(path),
		Options: opts,
		Ack:     true,
	}

	if c.State() != StateConnected {
		return c.sendDisconnected(ctx, req)
	}

	res, err := c.Do(ctx, req)
	if wire.IsTransport(err) && verb.Idempotent() && ctx.Err() == nil {
		if q := c.replayQueue(); q != nil && c.State() != StateClosed {
			return c.enqueue(ctx, q, req)
		}
	}
	return res, err
}

func (c *Conn) sendDisconnected(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	q := c.replayQueue()
	if q == nil || c.State() == StateClosed {
		return nil, &wire.TransportError{Err: constants.ErrClosed}
	}
	ok, err := replay.IsIdempotent(req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &wire.TransportError{Err: fmt.Errorf("%w while disconnected: %w", constants.ErrNotIdempotent, constants.ErrClosed)}
	}
	return c.enqueue(ctx, q, req)
}

func (c *Conn) enqueue(ctx context.Context, q *replay.Queue, req *wire.Request) (*wire.Response, error) {
	settlement, err := q.Add(req)
	if err != nil {
		return nil, err
	}
	// The reconnect may already have happened.
	if c.State() == StateConnected {
		c.runReplay()
	}
	return settlement.Wait(ctx)
}

// SendAsync issues an acked call and hands the response envelope to cb.
// Failures without an envelope are converted into one.
func (c *Conn) SendAsync(verb wire.Verb, path string, opts wire.Options, cb func(*wire.Response)) {
	c.wg.Go(func() {
		res, err := c.Send(c.ctx, verb, path, opts)
		if res == nil {
			if err == nil {
				err = errors.New("empty response")
			}
			res = wire.Failure("", err)
		}
		if cb != nil {
			cb(res)
		}
	})
}

// Push sends a call without waiting for any response.
func (c *Conn) Push(verb wire.Verb, path string, opts wire.Options) error {
	opts.Method = string(verb)
	return c.write(&wire.Request{
		ID:      rand.NewRequestID(constants.RequestIDLength),
		Type:    wire.FrameRequest,
		Path:    wire.StripAPIPrefix(path),
		Options: opts,
	})
}

// Do writes req with a fresh id and waits for its response. It never queues.
func (c *Conn) Do(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if c.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ackTimeout)
		defer cancel()
	}

	frame := *req
	frame.ID = rand.NewRequestID(constants.RequestIDLength)
	frame.Type = wire.FrameRequest
	frame.Ack = true

	responseChan, err := c.createResponseChannel(frame.ID)
	if err != nil {
		return nil, err
	}
	defer c.removeResponseChannel(frame.ID)

	if err := c.write(&frame); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", constants.ErrTimeout, frame.Options.Method, frame.Path)
		}
		return nil, ctx.Err()
	case res := <-responseChan:
		if res.IsError() {
			return res, res.Err()
		}
		return res, nil
	}
}

// Subscribe starts a stream route on a new channel. If the connection is
// down the stream starts once it is back.
func (c *Conn) Subscribe(ctx context.Context, route, path string, opts wire.Options) (*Stream, error) {
	if opts.Method == "" {
		opts.Method = string(wire.Get)
	}
	if _, err := wire.ParseVerb(opts.Method); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.State() == StateClosed {
		return nil, constants.ErrClosed
	}

	channel := rand.NewRequestID(constants.RequestIDLength)
	req := &wire.Request{
		Type:    wire.FrameSubscribe,
		Channel: channel,
		Route:   route,
		Path:    wire.StripAPIPrefix(path),
		Options: opts,
	}

	var stream *Stream
	stream = NewStream(channel, func() { c.endStream(stream) })
	stream.Route = route
	stream.subscribe = req

	c.streamLock.Lock()
	c.streams[channel] = stream
	c.streamLock.Unlock()

	if err := c.write(req); err != nil && !wire.IsTransport(err) {
		stream.End()
		return nil, err
	}
	return stream, nil
}

func (c *Conn) endStream(stream *Stream) {
	c.streamLock.Lock()
	delete(c.streams, stream.Channel)
	c.streamLock.Unlock()

	if c.State() != StateConnected {
		return
	}
	if err := c.write(&wire.Request{Type: wire.FrameEnd, Channel: stream.Channel}); err != nil {
		c.logger.Debug("failed to write end frame", "channel", stream.Channel, "error", err)
	}
}

func (c *Conn) write(v any) error {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}

	messageType := gorilla.TextMessage
	if c.codec.Binary() {
		messageType = gorilla.BinaryMessage
	}

	c.wsLock.Lock()
	defer c.wsLock.Unlock()
	if c.ws == nil {
		return &wire.TransportError{Err: constants.ErrClosed}
	}
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return &wire.TransportError{Err: err}
	}
	return nil
}

func (c *Conn) createResponseChannel(id string) (chan *wire.Response, error) {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()

	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, id)
	}
	ch := make(chan *wire.Response, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Conn) removeResponseChannel(id string) {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	delete(c.pending, id)
}

// failPending answers every outstanding ack with a status-0 envelope.
func (c *Conn) failPending(cause error) {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- wire.Failure(id, &wire.TransportError{Err: cause}):
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Conn) readLoop(ws *gorilla.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Conn) handleFrame(data []byte) {
	var res wire.Response
	if err := c.codec.Unmarshal(data, &res); err != nil {
		c.logger.Error("failed to decode frame", "error", err)
		return
	}

	switch res.Type {
	case wire.FrameResponse:
		c.pendingLock.Lock()
		ch, ok := c.pending[res.ID]
		delete(c.pending, res.ID)
		c.pendingLock.Unlock()
		if !ok {
			c.logger.Debug("response for unknown request", "id", res.ID)
			return
		}
		ch <- &res
	case wire.FrameStream, wire.FrameStreamError:
		c.streamLock.Lock()
		stream, ok := c.streams[res.Channel]
		c.streamLock.Unlock()
		if !ok {
			c.logger.Debug("frame for unknown channel", "channel", res.Channel)
			return
		}
		if _, dropped := stream.deliver(&res); dropped {
			c.logger.Warn("stream consumer is behind, dropped oldest frame", "channel", res.Channel, "dropped", stream.Dropped())
		}
	default:
		c.logger.Warn("unexpected frame", "type", res.Type)
	}
}

func (c *Conn) handleDisconnect(ws *gorilla.Conn, err error) {
	c.wsLock.Lock()
	current := c.ws == ws
	if current {
		c.ws = nil
	}
	c.wsLock.Unlock()
	_ = ws.Close()

	if !current || c.ctx.Err() != nil {
		return
	}

	if !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("socket disconnected", "error", err)
	}
	c.setState(StateDisconnected)
	c.failPending(err)

	c.wg.Go(c.reconnect)
}

func (c *Conn) reconnect() {
	b := backoff.WithContext(c.newBackOff(), c.ctx)
	err := backoff.RetryNotify(func() error {
		if c.State() == StateClosed {
			return backoff.Permanent(constants.ErrClosed)
		}
		c.setState(StateConnecting)
		if err := c.dial(c.ctx); err != nil {
			c.setState(StateDisconnected)
			return err
		}
		return nil
	}, b, func(err error, next time.Duration) {
		c.logger.Info("reconnect failed", "error", err, "retry_in", next)
	})
	if err != nil {
		c.logger.Debug("reconnect abandoned", "error", err)
		return
	}

	c.logger.Info("socket reconnected")
	c.resubscribe()
	c.runReplay()
}

// resubscribe restarts every stream on the new connection.
func (c *Conn) resubscribe() {
	c.streamLock.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streamLock.Unlock()

	for _, s := range streams {
		if err := c.write(s.subscribe); err != nil {
			c.logger.Warn("failed to restart stream", "channel", s.Channel, "error", err)
		}
	}
}

func (c *Conn) runReplay() {
	q := c.replayQueue()
	if q == nil || !q.HasPending() {
		return
	}
	c.wg.Go(func() {
		if err := q.Go(c.ctx); err != nil {
			c.logger.Info("replay incomplete", "error", err, "pending", q.Len())
		}
	})
}
