package gateway

import (
	"context"

	"github.com/clusterui/realtime/pkg/command"
	"github.com/clusterui/realtime/pkg/wire"
)

const (
	// PollRoute repeats the request's call forever.
	PollRoute = "poll"
	// CommandRoute polls commands until every one of them is terminal.
	CommandRoute = command.RouteName
)

func pollRoute() Route {
	return Route{Fetch: fetch}
}

func commandRoute() Route {
	return Route{
		Shape: wire.ShapeResourceList,
		Fetch: func(ctx context.Context, a Adapter, req *wire.Request) (any, error) {
			if req.Path == "" {
				r := *req
				r.Path = command.Path
				req = &r
			}
			return fetch(ctx, a, req)
		},
		Done: func(v any) bool {
			cmds, err := command.DecodeCommands(v)
			if err != nil || len(cmds) == 0 {
				return false
			}
			return command.AllTerminal(cmds)
		},
	}
}

// fetch performs the request's call and decodes the body.
func fetch(ctx context.Context, a Adapter, req *wire.Request) (any, error) {
	verb, err := req.Verb()
	if err != nil {
		return nil, err
	}
	res, err := a.Call(ctx, verb, wire.StripAPIPrefix(req.Path), req.Options)
	if err != nil {
		return nil, err
	}
	return res.Decode()
}
