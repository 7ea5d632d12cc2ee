package merge

import (
	"sort"

	"github.com/google/go-cmp/cmp"

	"github.com/clusterui/realtime/pkg/reconcile"
)

type DiffType string

const (
	// DiffLocal is a field only the local copy changed.
	DiffLocal DiffType = "local"
	// DiffRemote is a field only the remote copy changed.
	DiffRemote DiffType = "remote"
	// DiffConflict is a field both copies changed to different values.
	DiffConflict DiffType = "conflict"
)

// DiffEntry is one field that differs from the initial snapshot.
type DiffEntry struct {
	Field        string
	Type         DiffType
	InitialValue any
	LocalValue   any
	RemoteValue  any

	// ResetInitial and ResetLocal write a value into the field of the
	// initial or local entity, e.g. InitialValue to roll the field back.
	ResetInitial func(v any) `json:"-"`
	ResetLocal   func(v any) `json:"-"`
}

// Diff3 compares local and remote against initial through every lens and
// returns the changed fields sorted by name. Any of the entities may be nil;
// a nil entity reads as nil for every field.
func Diff3(lenses LensMap, initial, local, remote Entity) []DiffEntry {
	names := make([]string, 0, len(lenses))
	for name := range lenses {
		names = append(names, name)
	}
	sort.Strings(names)

	var diffs []DiffEntry
	for _, name := range names {
		lens := lenses[name]
		iv, lv, rv := get(lens, initial), get(lens, local), get(lens, remote)

		dirtyLocal := !Equal(iv, lv)
		dirtyRemote := !Equal(iv, rv)
		if !dirtyLocal && !dirtyRemote {
			continue
		}

		entry := DiffEntry{
			Field:        name,
			InitialValue: iv,
			LocalValue:   lv,
			RemoteValue:  rv,
			ResetInitial: setter(lens, initial),
			ResetLocal:   setter(lens, local),
		}
		switch {
		case dirtyLocal && dirtyRemote && !Equal(lv, rv):
			entry.Type = DiffConflict
		case dirtyLocal:
			// Includes both sides making the same change.
			entry.Type = DiffLocal
		default:
			entry.Type = DiffRemote
		}
		diffs = append(diffs, entry)
	}
	return diffs
}

// MatchInColl finds the element of coll whose id equals item's id.
func MatchInColl(idLens Lens, coll []Entity, item Entity) (Entity, bool) {
	id := get(idLens, item)
	if id == nil {
		return nil, false
	}
	for _, c := range coll {
		if Equal(get(idLens, c), id) {
			return c, true
		}
	}
	return nil, false
}

// DiffObjInColl3 locates initial's record in locals and remotes by id and
// diffs the three. A record missing from a collection reads as nil.
func DiffObjInColl3(idLens Lens, lenses LensMap, initial Entity, locals, remotes []Entity) []DiffEntry {
	local, _ := MatchInColl(idLens, locals, initial)
	remote, _ := MatchInColl(idLens, remotes, initial)
	return Diff3(lenses, initial, local, remote)
}

// Equal compares two decoded values. Numbers compare by value whatever their
// Go type, so a JSON float64 equals a CBOR int64.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aNumber := number(a)
	bn, bNumber := number(b)
	if aNumber || bNumber {
		return aNumber && bNumber && an == bn
	}
	return cmp.Equal(a, b)
}

func number(v any) (float64, bool) {
	if _, ok := v.(string); ok {
		return 0, false
	}
	return reconcile.Number(v)
}

func get(lens Lens, e Entity) any {
	if e == nil {
		return nil
	}
	return lens.Get(e)
}

func setter(lens Lens, e Entity) func(v any) {
	return func(v any) {
		if e == nil {
			return
		}
		lens.Set(v, e)
	}
}
