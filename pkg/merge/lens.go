// Package merge diffs and merges records that were edited locally while a
// newer copy arrived from the backend.
package merge

import (
	"strings"
)

// Entity is a decoded JSON object.
type Entity = map[string]any

// Lens reads and writes one field of an entity. Get must accept a nil
// entity and return nil; Set on a nil entity is a no-op.
type Lens struct {
	Get func(e Entity) any
	Set func(v any, e Entity)
}

// LensMap names the fields taking part in a diff.
type LensMap map[string]Lens

// Field is the lens of a top-level key.
func Field(name string) Lens {
	return Lens{
		Get: func(e Entity) any {
			if e == nil {
				return nil
			}
			return e[name]
		},
		Set: func(v any, e Entity) {
			if e == nil {
				return
			}
			e[name] = v
		},
	}
}

// Path is the lens of a dotted path into nested objects. Set creates missing
// intermediate objects.
func Path(path string) Lens {
	keys := strings.Split(path, ".")
	if len(keys) == 1 {
		return Field(path)
	}
	last := keys[len(keys)-1]
	parents := keys[:len(keys)-1]

	return Lens{
		Get: func(e Entity) any {
			cur := e
			for _, k := range parents {
				next, ok := cur[k].(map[string]any)
				if !ok {
					return nil
				}
				cur = next
			}
			if cur == nil {
				return nil
			}
			return cur[last]
		},
		Set: func(v any, e Entity) {
			if e == nil {
				return
			}
			cur := e
			for _, k := range parents {
				next, ok := cur[k].(map[string]any)
				if !ok {
					next = make(map[string]any)
					cur[k] = next
				}
				cur = next
			}
			cur[last] = v
		},
	}
}

// Fields builds a lens map of top-level keys.
func Fields(names ...string) LensMap {
	lenses := make(LensMap, len(names))
	for _, n := range names {
		lenses[n] = Field(n)
	}
	return lenses
}
