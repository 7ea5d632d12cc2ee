package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clusterui/realtime/internal/codec"
	"github.com/clusterui/realtime/internal/fakeapi"
	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/gateway"
	"github.com/clusterui/realtime/pkg/logger"
	"github.com/clusterui/realtime/pkg/replay"
	"github.com/clusterui/realtime/pkg/rest"
	"github.com/clusterui/realtime/pkg/wire"
)

type testEnv struct {
	api     *fakeapi.Server
	gateway *gateway.Server
	http    *httptest.Server
	// reject makes the socket endpoint refuse upgrades.
	reject atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{api: fakeapi.NewServer()}

	router := gateway.NewRouter(gateway.Config{
		Adapter:      rest.New(rest.Config{BaseURL: env.api.APIURL(), Logger: logger.Discard()}),
		Logger:       logger.Discard(),
		PollInterval: 10 * time.Millisecond,
		Throttle:     -1,
	})
	env.gateway = gateway.NewServer(router, logger.Discard())
	env.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if env.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		env.gateway.ServeHTTP(w, r)
	}))

	t.Cleanup(func() {
		env.gateway.Close()
		env.http.Close()
		env.api.Close()
	})
	return env
}

func (e *testEnv) url() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + constants.SocketPath
}

func (e *testEnv) dial(t *testing.T, cfg Config) *Conn {
	t.Helper()
	cfg.URL = e.url()
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }
	}
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func (e *testEnv) stubHosts() {
	e.api.AddStubResponse(fakeapi.StubResponse{
		Method:     http.MethodGet,
		Path:       "/host",
		StatusCode: http.StatusOK,
		Body:       map[string]any{"objects": []any{map[string]any{"id": 1}}},
	})
}

var hostsBody = map[string]any{"objects": []any{map[string]any{"id": float64(1)}}}

func receive(t *testing.T, s *Stream) *wire.Response {
	t.Helper()
	select {
	case res := <-s.C:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestConnGet(t *testing.T) {
	env := newTestEnv(t)
	env.stubHosts()
	c := env.dial(t, Config{})

	res, err := c.Socket().Get(context.Background(), "/api/host", wire.Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, hostsBody, res.Body)

	calls := env.api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/host", calls[0].Path)
}

func TestConnCBOR(t *testing.T) {
	env := newTestEnv(t)
	env.stubHosts()
	c := env.dial(t, Config{Codec: codec.NewCBOR()})

	res, err := c.Send(context.Background(), wire.Get, "/host", wire.Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, hostsBody, res.Body)
}

func TestConnAPIError(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, Config{})

	res, err := c.Send(context.Background(), wire.Get, "/missing", wire.Options{})
	require.Error(t, err)
	var apiErr *wire.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	require.NotNil(t, res)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "ApiError", res.Error.Name)
}

func TestConnInvalidVerb(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, Config{})

	res, err := c.Send(context.Background(), wire.Verb("TRACE"), "/host", wire.Options{})
	var validationErr *wire.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Empty(t, env.api.Calls())
}

func TestConnPush(t *testing.T) {
	env := newTestEnv(t)
	env.api.AddStubResponse(fakeapi.StubResponse{Method: http.MethodPost, Path: "/event", StatusCode: http.StatusAccepted})
	c := env.dial(t, Config{})

	require.NoError(t, c.Push(wire.Post, "/api/event", wire.Options{JSON: map[string]any{"kind": "ping"}}))

	require.Eventually(t, func() bool {
		calls := env.api.Calls()
		return len(calls) == 1 && calls[0].Method == http.MethodPost && calls[0].Path == "/event"
	}, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"kind":"ping"}`, string(env.api.Calls()[0].Body))
}

func TestConnSendAsync(t *testing.T) {
	env := newTestEnv(t)
	env.stubHosts()
	c := env.dial(t, Config{})

	done := make(chan *wire.Response, 2)
	c.SendAsync(wire.Get, "/host", wire.Options{}, func(res *wire.Response) { done <- res })
	c.SendAsync(wire.Get, "/nowhere", wire.Options{}, func(res *wire.Response) { done <- res })

	statuses := []int{(<-done).StatusCode, (<-done).StatusCode}
	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusNotFound}, statuses)
}

func TestConnSubscribeDedup(t *testing.T) {
	env := newTestEnv(t)
	var n atomic.Int32
	env.api.AddStubResponse(fakeapi.StubResponse{
		Method: http.MethodGet,
		Path:   "/host/1",
		Func: func(fakeapi.Call) (int, any) {
			if n.Add(1) <= 3 {
				return http.StatusOK, map[string]any{"id": 1, "state": "down"}
			}
			return http.StatusOK, map[string]any{"id": 1, "state": "up"}
		},
	})
	c := env.dial(t, Config{})

	s, err := c.Subscribe(context.Background(), gateway.PollRoute, "/api/host/1", wire.Options{})
	require.NoError(t, err)
	defer s.End()

	first := receive(t, s)
	assert.Equal(t, wire.FrameStream, first.Type)
	assert.Equal(t, wire.ShapeEntity, first.Shape)
	assert.Equal(t, "down", first.Body.(map[string]any)["state"])

	second := receive(t, s)
	assert.Equal(t, "up", second.Body.(map[string]any)["state"])

	// The backend keeps answering "up"; nothing more is delivered.
	require.Eventually(t, func() bool { return n.Load() > 6 }, 2*time.Second, 5*time.Millisecond)
	select {
	case res := <-s.C:
		t.Fatalf("duplicate value delivered: %v", res.Body)
	default:
	}
}

func TestConnSlowStreamConsumerDoesNotBlockAcks(t *testing.T) {
	env := newTestEnv(t)
	env.stubHosts()
	var n atomic.Int32
	env.api.AddStubResponse(fakeapi.StubResponse{
		Method: http.MethodGet,
		Path:   "/counter",
		Func: func(fakeapi.Call) (int, any) {
			return http.StatusOK, map[string]any{"id": 1, "n": n.Add(1)}
		},
	})
	c := env.dial(t, Config{})

	s, err := c.Subscribe(context.Background(), gateway.PollRoute, "/counter", wire.Options{})
	require.NoError(t, err)
	defer s.End()

	// Nobody reads s.C while the buffer overflows.
	require.Eventually(t, func() bool { return s.Dropped() > 0 }, 5*time.Second, 5*time.Millisecond)

	res, err := c.Socket().Get(context.Background(), "/host", wire.Options{})
	require.NoError(t, err)
	assert.Equal(t, hostsBody, res.Body)
}

func TestConnSubscribeUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, Config{})

	s, err := c.Subscribe(context.Background(), "nope", "/host", wire.Options{})
	require.NoError(t, err)
	defer s.End()

	res := receive(t, s)
	assert.Equal(t, wire.FrameStreamError, res.Type)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestConnSubscribeInvalidVerb(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, Config{})

	_, err := c.Subscribe(context.Background(), gateway.PollRoute, "/host", wire.Options{Method: "TRACE"})
	var validationErr *wire.ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestSocketSingleStream(t *testing.T) {
	env := newTestEnv(t)
	env.stubHosts()
	c := env.dial(t, Config{})
	socket := c.Socket()

	s, err := socket.Subscribe(context.Background(), gateway.PollRoute, "/host", wire.Options{})
	require.NoError(t, err)

	_, err = socket.Subscribe(context.Background(), gateway.PollRoute, "/host", wire.Options{})
	assert.ErrorIs(t, err, constants.ErrStreamActive)

	// Other sockets on the same connection are independent.
	other, err := c.Socket().Subscribe(context.Background(), gateway.PollRoute, "/host", wire.Options{})
	require.NoError(t, err)
	defer other.End()

	s.End()
	s, err = socket.Subscribe(context.Background(), gateway.PollRoute, "/host", wire.Options{})
	require.NoError(t, err)
	assert.Equal(t, hostsBody, receive(t, s).Body)
	socket.End()

	select {
	case <-s.Done():
	default:
		t.Fatal("socket End did not end its stream")
	}
}

func TestConnDisconnectFailsPending(t *testing.T) {
	env := newTestEnv(t)
	env.api.AddStubResponse(fakeapi.StubResponse{
		Method:     http.MethodGet,
		Path:       "/slow",
		StatusCode: http.StatusOK,
		Failure:    fakeapi.FailureDelay,
		Delay:      300 * time.Millisecond,
	})
	c := env.dial(t, Config{})

	type result struct {
		res *wire.Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := c.Send(context.Background(), wire.Get, "/slow", wire.Options{})
		done <- result{res, err}
	}()

	require.Eventually(t, func() bool { return len(env.api.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	env.gateway.Close()

	r := <-done
	assert.True(t, wire.IsTransport(r.err), "got %v", r.err)
	require.NotNil(t, r.res)
	assert.Equal(t, 0, r.res.StatusCode)

	// The connection comes back on its own.
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
}

func TestConnReplayAfterReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.stubHosts()
	c := env.dial(t, Config{})
	q := replay.New(c, logger.Discard())
	c.AttachReplay(q)

	env.reject.Store(true)
	env.gateway.Close()
	require.Eventually(t, func() bool { return c.State() != StateConnected }, 2*time.Second, 5*time.Millisecond)

	type result struct {
		res *wire.Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := c.Socket().Get(context.Background(), "/host", wire.Options{})
		done <- result{res, err}
	}()
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Only idempotent calls may wait for the connection.
	_, err := c.Socket().Post(context.Background(), "/host", wire.Options{})
	assert.True(t, wire.IsTransport(err))
	assert.ErrorIs(t, err, constants.ErrNotIdempotent)
	assert.Empty(t, env.api.Calls())

	env.reject.Store(false)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, hostsBody, r.res.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("queued call was not replayed")
	}
	assert.Zero(t, q.Len())
	assert.Len(t, env.api.Calls(), 1)
}

func TestConnDisconnectedWithoutReplay(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/socket", Logger: logger.Discard()})
	_, err := c.Send(context.Background(), wire.Get, "/host", wire.Options{})
	assert.True(t, wire.IsTransport(err))
}

func TestConnStreamRestartsAfterReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.stubHosts()
	c := env.dial(t, Config{})

	s, err := c.Subscribe(context.Background(), gateway.PollRoute, "/host", wire.Options{})
	require.NoError(t, err)
	defer s.End()
	receive(t, s)

	env.gateway.Close()

	// A fresh gateway channel delivers the current value again.
	assert.Equal(t, hostsBody, receive(t, s).Body)
	assert.Equal(t, StateConnected, c.State())
}

func TestConnStateChanges(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var states []State
	c := New(Config{URL: env.url(), Logger: logger.Discard()})
	c.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateClosed}, states)

	assert.ErrorIs(t, c.Connect(context.Background()), constants.ErrClosed)
	_, err := c.Subscribe(context.Background(), gateway.PollRoute, "/host", wire.Options{})
	assert.ErrorIs(t, err, constants.ErrClosed)
}

func TestConnNoURL(t *testing.T) {
	assert.ErrorIs(t, New(Config{}).Connect(context.Background()), constants.ErrNoBaseURL)
}

func TestConnURLScheme(t *testing.T) {
	for _, raw := range []string{"http://localhost/socket", "localhost:8080/socket", "://bad"} {
		c := New(Config{URL: raw, Logger: logger.Discard()})
		err := c.Connect(context.Background())

		var validationErr *wire.ValidationError
		require.ErrorAs(t, err, &validationErr, raw)
		assert.Equal(t, "url", validationErr.Field)
		assert.Equal(t, StateDisconnected, c.State())
	}
}

func TestConnAckTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.api.AddStubResponse(fakeapi.StubResponse{
		Method:  http.MethodGet,
		Path:    "/slow",
		Failure: fakeapi.FailureDelay,
		Delay:   200 * time.Millisecond,
	})
	c := env.dial(t, Config{AckTimeout: 20 * time.Millisecond})

	_, err := c.Send(context.Background(), wire.Get, "/slow", wire.Options{})
	assert.ErrorIs(t, err, constants.ErrTimeout)
}

func TestConnCloseReleasesGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := fakeapi.NewServer()
	router := gateway.NewRouter(gateway.Config{
		Adapter: rest.New(rest.Config{BaseURL: api.APIURL(), Logger: logger.Discard()}),
		Logger:  logger.Discard(),
	})
	gw := gateway.NewServer(router, logger.Discard())
	srv := httptest.NewServer(gw)

	c := New(Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + constants.SocketPath,
		Logger: logger.Discard(),
	})
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return gw.Connections() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close(context.Background()))
	require.Eventually(t, func() bool { return gw.Connections() == 0 }, time.Second, 5*time.Millisecond)

	srv.Close()
	api.Close()
}
