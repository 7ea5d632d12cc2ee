// Package command tracks backend commands until they reach a terminal state
// and arranges their jobs into a dependency tree.
package command

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	json "github.com/goccy/go-json"
)

// RouteName is the stream route polling command snapshots.
const RouteName = "command"

// Path is the backend collection commands are polled from.
const Path = "/command/"

type State string

const (
	StatePending   State = "PENDING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	return s != StatePending
}

// ID accepts both JSON numbers and strings; the backend uses either.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("command id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type Command struct {
	ID        ID       `json:"id"`
	Cancelled bool     `json:"cancelled"`
	Errored   bool     `json:"errored"`
	Complete  bool     `json:"complete"`
	Message   string   `json:"message,omitempty"`
	Jobs      []string `json:"jobs,omitempty"`
}

// State derives the command state. Cancellation takes precedence over
// failure, which takes precedence over completion.
func (c Command) State() State {
	switch {
	case c.Cancelled:
		return StateCancelled
	case c.Errored:
		return StateFailed
	case c.Complete:
		return StateSucceeded
	default:
		return StatePending
	}
}

// AllTerminal reports whether every command is terminal. It is true for an
// empty slice.
func AllTerminal(cmds []Command) bool {
	for _, c := range cmds {
		if !c.State().Terminal() {
			return false
		}
	}
	return true
}

// Entry is one element of a bulk mutation response.
type Entry struct {
	Command *Command `json:"command"`
	Error   any      `json:"error"`
}

// EntryError is returned when a response entry already carries an error.
type EntryError struct {
	Index int
	Err   any
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry %d failed: %v", e.Index, e.Err)
}

// DecodeCommands reads commands out of a decoded stream value: either a
// resource list ({"objects": [...]}) or a bare array.
func DecodeCommands(v any) ([]Command, error) {
	if m, ok := v.(map[string]any); ok {
		objects, found := m["objects"]
		if !found {
			return nil, fmt.Errorf("decoding commands: missing objects")
		}
		v = objects
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("decoding commands: %w", err)
	}
	var cmds []Command
	if err := json.Unmarshal(raw, &cmds); err != nil {
		return nil, fmt.Errorf("decoding commands: %w", err)
	}
	return cmds, nil
}

// DecodeEntries reads a bulk mutation response body: a resource list of
// entries or a bare array of them.
func DecodeEntries(v any) ([]Entry, error) {
	if m, ok := v.(map[string]any); ok {
		objects, found := m["objects"]
		if !found {
			return nil, fmt.Errorf("decoding entries: missing objects")
		}
		v = objects
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("decoding entries: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding entries: %w", err)
	}
	return entries, nil
}

var jobURIPattern = regexp.MustCompile(`/api/job/(\d+)/`)

// ParseJobID extracts the numeric id from a job resource URI.
func ParseJobID(uri string) (int64, bool) {
	m := jobURIPattern.FindStringSubmatch(uri)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
