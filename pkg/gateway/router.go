// Package gateway multiplexes verb calls and stream subscriptions from many
// socket clients onto the REST backend.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/logger"
	"github.com/clusterui/realtime/pkg/pipeline"
	"github.com/clusterui/realtime/pkg/rest"
	"github.com/clusterui/realtime/pkg/wire"
)

// Adapter performs one backend call. *rest.Client implements it.
type Adapter interface {
	Call(ctx context.Context, verb wire.Verb, path string, opts wire.Options) (*rest.Response, error)
}

// Route is a named stream. Every iteration calls Fetch, runs the result
// through Pipes and pushes it onto the channel. The loop stops after a value
// for which Done reports true.
type Route struct {
	// Shape tags stream frames. When empty the request's shape is used, and
	// failing that it is inferred from each value.
	Shape wire.Shape
	Fetch func(ctx context.Context, a Adapter, req *wire.Request) (any, error)
	Pipes []pipeline.Pipe
	Done  func(v any) bool
}

type Config struct {
	Adapter Adapter
	Logger  logger.Logger
	// PollInterval is the minimum delay between two iterations of a stream.
	PollInterval time.Duration
	// Throttle is the minimum spacing of changed values on a channel.
	Throttle time.Duration
}

type Router struct {
	adapter      Adapter
	logger       logger.Logger
	pollInterval time.Duration
	throttle     time.Duration

	mu     sync.RWMutex
	routes map[string]Route
}

// NewRouter returns a router with the poll and command routes registered.
func NewRouter(cfg Config) *Router {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = constants.DefaultPollInterval
	}
	throttle := cfg.Throttle
	if throttle == 0 {
		throttle = constants.DefaultThrottleInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	r := &Router{
		adapter:      cfg.Adapter,
		logger:       log,
		pollInterval: pollInterval,
		throttle:     throttle,
		routes:       make(map[string]Route),
	}
	r.Handle(PollRoute, pollRoute())
	r.Handle(CommandRoute, commandRoute())
	return r
}

// Handle registers or replaces a stream route.
func (r *Router) Handle(name string, route Route) {
	if route.Fetch == nil {
		route.Fetch = fetch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = route
}

func (r *Router) Route(name string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[name]
	return route, ok
}

// Dispatch answers one request with exactly one envelope. The returned error
// is the failure the envelope carries, if any.
func (r *Router) Dispatch(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	verb, err := req.Verb()
	if err != nil {
		requestsTotal.WithLabelValues("invalid", statusClass(wire.StatusCode(err))).Inc()
		return wire.Failure(req.ID, err), err
	}

	path := wire.StripAPIPrefix(req.Path)
	if req.Replay {
		r.logger.Debug("dispatching replayed request", "id", req.ID, "verb", verb, "path", path)
	}

	res, err := r.adapter.Call(ctx, verb, path, req.Options)
	if err != nil {
		requestsTotal.WithLabelValues(string(verb), statusClass(wire.StatusCode(err))).Inc()
		return wire.Failure(req.ID, err), err
	}

	body, err := res.Decode()
	if err != nil {
		requestsTotal.WithLabelValues(string(verb), statusClass(wire.StatusCode(err))).Inc()
		return wire.Failure(req.ID, err), err
	}

	requestsTotal.WithLabelValues(string(verb), statusClass(res.StatusCode)).Inc()
	return wire.Success(req.ID, res.StatusCode, body), nil
}

// NewChannel builds the channel for a subscribe request, using the pipes of
// its route.
func (r *Router) NewChannel(req *wire.Request, sink pipeline.Sink) (*pipeline.Channel, Route, error) {
	route, ok := r.Route(req.Route)
	if !ok {
		return nil, Route{}, fmt.Errorf("%w: %q", constants.ErrUnknownRoute, req.Route)
	}
	if _, err := req.Verb(); err != nil {
		return nil, Route{}, err
	}
	ch := pipeline.New(req.Channel, sink, pipeline.Options{
		Throttle: r.throttle,
		Pipes:    route.Pipes,
	})
	return ch, route, nil
}

// Subscribe runs the stream loop for req on ch until ctx is done, ch is
// ended or the route reports completion. At most one backend call is in
// flight and iterations start at least PollInterval apart. A failed
// iteration is pushed as an error and the loop goes on.
func (r *Router) Subscribe(ctx context.Context, ch *pipeline.Channel, req *wire.Request) error {
	route, ok := r.Route(req.Route)
	if !ok {
		return fmt.Errorf("%w: %q", constants.ErrUnknownRoute, req.Route)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch.Done():
			return nil
		case <-timer.C:
		}

		v, err := route.Fetch(ctx, r.adapter, req)
		if ctx.Err() != nil || ch.Ended() {
			return nil
		}

		if err != nil {
			r.logger.Debug("stream iteration failed", "channel", ch.ID, "route", req.Route, "error", err)
			err = ch.PushError(err)
		} else {
			err = ch.Push(v)
			if err == nil && route.Done != nil && route.Done(v) {
				r.logger.Debug("stream finished", "channel", ch.ID, "route", req.Route)
				return nil
			}
		}
		if err != nil {
			// Ended between the check above and the push.
			return nil
		}

		timer.Reset(r.pollInterval)
	}
}

func statusClass(code int) string {
	if code == 0 {
		return "transport"
	}
	return fmt.Sprintf("%dxx", code/100)
}
