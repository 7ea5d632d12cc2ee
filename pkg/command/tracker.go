package command

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sourcegraph/conc/pool"

	"github.com/clusterui/realtime/pkg/client"
	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/logger"
	"github.com/clusterui/realtime/pkg/wire"
)

// Subscriber opens a stream route. *client.Conn and *client.Socket implement
// it; only a Conn can serve concurrent waits.
type Subscriber interface {
	Subscribe(ctx context.Context, route, path string, opts wire.Options) (*client.Stream, error)
}

// Tracker waits for the commands referenced by a bulk response to finish.
// Each wait opens its own stream, so waits are independent.
type Tracker struct {
	sub    Subscriber
	logger logger.Logger

	// OnProgress receives every command snapshot delivered while waiting.
	OnProgress func(cmds []Command)
}

func NewTracker(sub Subscriber, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{sub: sub, logger: log}
}

// WaitForCompletion returns entries unchanged once every referenced command
// is terminal. It fails immediately when an entry carries an error and
// returns without subscribing when no command is referenced.
func (t *Tracker) WaitForCompletion(ctx context.Context, entries []Entry) ([]Entry, error) {
	for i, e := range entries {
		if e.Error != nil {
			return nil, &EntryError{Index: i, Err: e.Error}
		}
	}

	ids := commandIDs(entries)
	if len(ids) == 0 {
		return entries, nil
	}

	stream, err := t.sub.Subscribe(ctx, RouteName, Path, wire.Options{
		Method: http.MethodGet,
		Qs: map[string]any{
			"id__in": ids,
			"limit":  0,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to commands: %w", err)
	}
	defer stream.End()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stream.Done():
			return nil, constants.ErrChannelEnded
		case res := <-stream.C:
			if res.IsError() {
				t.logger.Warn("command snapshot failed", "error", res.Error.Message, "status", res.StatusCode)
				continue
			}

			cmds, err := DecodeCommands(res.Body)
			if err != nil {
				t.logger.Warn("command snapshot unreadable", "error", err)
				continue
			}
			if t.OnProgress != nil {
				t.OnProgress(cmds)
			}
			if referencedTerminal(ids, cmds) {
				return entries, nil
			}
		}
	}
}

// WaitForAll waits for several bulk responses at once. The first failure
// cancels the remaining waits.
func (t *Tracker) WaitForAll(ctx context.Context, batches ...[]Entry) ([][]Entry, error) {
	results := make([][]Entry, len(batches))
	p := pool.New().WithContext(ctx).WithCancelOnError()
	for i, entries := range batches {
		p.Go(func(ctx context.Context) error {
			done, err := t.WaitForCompletion(ctx, entries)
			if err != nil {
				return err
			}
			results[i] = done
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func commandIDs(entries []Entry) []any {
	seen := make(map[ID]bool)
	var ids []any
	for _, e := range entries {
		if e.Command == nil || e.Command.ID == "" || seen[e.Command.ID] {
			continue
		}
		seen[e.Command.ID] = true
		ids = append(ids, string(e.Command.ID))
	}
	return ids
}

// referencedTerminal is false while a referenced command is missing from the
// snapshot.
func referencedTerminal(ids []any, cmds []Command) bool {
	byID := make(map[ID]Command, len(cmds))
	for _, c := range cmds {
		byID[c.ID] = c
	}
	for _, id := range ids {
		c, ok := byID[ID(id.(string))]
		if !ok || !c.State().Terminal() {
			return false
		}
	}
	return true
}
