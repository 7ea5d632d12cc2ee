// Package reconcile merges stream snapshots into state the caller already
// holds, in place, so that references into that state stay valid.
package reconcile

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/clusterui/realtime/pkg/wire"
)

// ErrMissingID is returned when an incoming list item has no id.
var ErrMissingID = errors.New("resource list item has no id")

// ErrDuplicateID is returned when two incoming list items share an id.
var ErrDuplicateID = errors.New("resource list items share an id")

// Snapshot is one of *ResourceList, *DataSeries or Entity.
type Snapshot interface {
	Shape() wire.Shape
	isSnapshot()
}

// Entity is a single record. Its optional "version" field guards against
// stale writes.
type Entity map[string]any

func (Entity) Shape() wire.Shape { return wire.ShapeEntity }
func (Entity) isSnapshot()       {}

// ResourceList is a backend collection: {"meta": {...}, "objects": [...]}.
type ResourceList struct {
	Meta    map[string]any
	Objects []Entity
}

func (*ResourceList) Shape() wire.Shape { return wire.ShapeResourceList }
func (*ResourceList) isSnapshot()       {}

// Value converts the list back into its wire form.
func (l *ResourceList) Value() map[string]any {
	objects := make([]any, len(l.Objects))
	for i, o := range l.Objects {
		objects[i] = map[string]any(o)
	}
	return map[string]any{"meta": l.Meta, "objects": objects}
}

// DataSeries is a flat array of datapoints.
type DataSeries struct {
	Points []any
}

func (*DataSeries) Shape() wire.Shape { return wire.ShapeDataSeries }
func (*DataSeries) isSnapshot()       {}

// ShapeError reports a value that does not fit the expected shape, or a
// reconcile between two different shapes.
type ShapeError struct {
	Want wire.Shape
	Got  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch: want %s, got %s", e.Want, e.Got)
}

// InferShape guesses the shape of an untagged value: a map with an
// "objects" array is a resource list, any other array a data series and
// anything else an entity.
func InferShape(v any) wire.Shape {
	switch t := v.(type) {
	case map[string]any:
		if _, ok := t["objects"].([]any); ok {
			return wire.ShapeResourceList
		}
		return wire.ShapeEntity
	case []any:
		return wire.ShapeDataSeries
	default:
		return wire.ShapeEntity
	}
}

// Decode builds the snapshot for a decoded stream value. An empty shape is
// inferred.
func Decode(shape wire.Shape, v any) (Snapshot, error) {
	if shape == "" {
		shape = InferShape(v)
	}

	switch shape {
	case wire.ShapeEntity:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, &ShapeError{Want: shape, Got: fmt.Sprintf("%T", v)}
		}
		return Entity(m), nil
	case wire.ShapeResourceList:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, &ShapeError{Want: shape, Got: fmt.Sprintf("%T", v)}
		}
		list := &ResourceList{}
		if meta, ok := m["meta"].(map[string]any); ok {
			list.Meta = meta
		}
		raw, ok := m["objects"].([]any)
		if !ok && m["objects"] != nil {
			return nil, &ShapeError{Want: shape, Got: fmt.Sprintf("objects of type %T", m["objects"])}
		}
		list.Objects = make([]Entity, 0, len(raw))
		for i, item := range raw {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, &ShapeError{Want: wire.ShapeEntity, Got: fmt.Sprintf("objects[%d] of type %T", i, item)}
			}
			list.Objects = append(list.Objects, Entity(obj))
		}
		return list, nil
	case wire.ShapeDataSeries:
		if v == nil {
			return &DataSeries{}, nil
		}
		points, ok := v.([]any)
		if !ok {
			return nil, &ShapeError{Want: shape, Got: fmt.Sprintf("%T", v)}
		}
		return &DataSeries{Points: points}, nil
	default:
		return nil, &ShapeError{Want: shape, Got: "unknown shape"}
	}
}

// Reconcile merges incoming into state, which must have the same shape.
//
// Lists are matched by id: matched items are updated in place with the
// entity rule, new items are appended and items missing from incoming are
// dropped. Series are replaced. An entity whose incoming version is not
// newer than the held one is left untouched; otherwise its keys are
// replaced.
func Reconcile(state, incoming Snapshot) error {
	if state == nil || incoming == nil {
		return &ShapeError{Want: shapeOf(state), Got: string(shapeOf(incoming))}
	}
	if state.Shape() != incoming.Shape() {
		return &ShapeError{Want: state.Shape(), Got: string(incoming.Shape())}
	}

	switch s := state.(type) {
	case Entity:
		reconcileEntity(s, incoming.(Entity))
		return nil
	case *ResourceList:
		return reconcileList(s, incoming.(*ResourceList))
	case *DataSeries:
		p := incoming.(*DataSeries)
		s.Points = append(make([]any, 0, len(p.Points)), p.Points...)
		return nil
	default:
		return &ShapeError{Want: state.Shape(), Got: fmt.Sprintf("%T", state)}
	}
}

func shapeOf(s Snapshot) wire.Shape {
	if s == nil {
		return "nil"
	}
	return s.Shape()
}

func reconcileEntity(s, p Entity) {
	if Stale(s, p) {
		return
	}
	for k := range s {
		delete(s, k)
	}
	for k, v := range p {
		s[k] = v
	}
}

func reconcileList(s, p *ResourceList) error {
	keys := make([]string, len(p.Objects))
	seen := make(map[string]int, len(p.Objects))
	for i, item := range p.Objects {
		key, ok := idKey(item["id"])
		if !ok {
			return fmt.Errorf("%w: objects[%d]", ErrMissingID, i)
		}
		if j, dup := seen[key]; dup {
			return fmt.Errorf("%w: objects[%d] and objects[%d]", ErrDuplicateID, j, i)
		}
		seen[key] = i
		keys[i] = key
	}

	byID := make(map[string]Entity, len(s.Objects))
	for _, o := range s.Objects {
		if key, ok := idKey(o["id"]); ok {
			byID[key] = o
		}
	}

	result := make([]Entity, 0, len(p.Objects))
	for i, item := range p.Objects {
		if existing, found := byID[keys[i]]; found && existing != nil {
			reconcileEntity(existing, item)
			result = append(result, existing)
			continue
		}
		result = append(result, item)
	}

	s.Meta = p.Meta
	s.Objects = result
	return nil
}

// Stale reports whether incoming carries a version not newer than the one
// held. Missing or non-numeric versions are never stale.
func Stale(held, incoming Entity) bool {
	pv, ok := Number(incoming["version"])
	if !ok {
		return false
	}
	sv, ok := Number(held["version"])
	if !ok {
		return false
	}
	return pv <= sv
}

// Number reads a numeric JSON or CBOR value.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func idKey(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	if n, ok := Number(v); ok {
		return strconv.FormatFloat(n, 'g', -1, 64), true
	}
	return fmt.Sprint(v), true
}
