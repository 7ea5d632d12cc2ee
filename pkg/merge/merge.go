package merge

import (
	"errors"
	"fmt"
	"strings"
)

// Policy decides the merged value of every field where local and remote
// differ. Both entities are private deep copies; the policy may patch
// remote in place and return it.
type Policy interface {
	Merge(lenses LensMap, local, remote Entity) (Entity, error)
}

// LocalWins overwrites every differing field of remote with local's value.
// It is the default policy.
type LocalWins struct{}

func (LocalWins) Merge(lenses LensMap, local, remote Entity) (Entity, error) {
	for _, d := range Diff3(lenses, local, local, remote) {
		lenses[d.Field].Set(d.LocalValue, remote)
	}
	return remote, nil
}

// PromptOnConflict merges against the snapshot both sides started from:
// local-only changes are applied to remote, remote-only changes are kept
// and fields both sides changed differently keep the remote value and are
// reported in a *ConflictError next to the merged entity. Without a base
// every differing field is a conflict.
type PromptOnConflict struct {
	// Base returns the initial snapshot of local, or nil.
	Base func(local Entity) Entity
}

// PromptWithInitial uses one initial snapshot for every merge.
func PromptWithInitial(initial Entity) PromptOnConflict {
	return PromptOnConflict{Base: func(Entity) Entity { return initial }}
}

// PromptWithInitials looks the initial snapshot up by id.
func PromptWithInitials(idLens Lens, initials []Entity) PromptOnConflict {
	return PromptOnConflict{Base: func(local Entity) Entity {
		initial, _ := MatchInColl(idLens, initials, local)
		return initial
	}}
}

func (p PromptOnConflict) Merge(lenses LensMap, local, remote Entity) (Entity, error) {
	var initial Entity
	if p.Base != nil {
		initial = p.Base(local)
	}

	var conflicts []DiffEntry
	if initial == nil {
		conflicts = Diff3(lenses, local, local, remote)
		for i := range conflicts {
			conflicts[i].Type = DiffConflict
			conflicts[i].InitialValue = nil
		}
	} else {
		for _, d := range Diff3(lenses, initial, local, remote) {
			switch d.Type {
			case DiffLocal:
				lenses[d.Field].Set(d.LocalValue, remote)
			case DiffConflict:
				conflicts = append(conflicts, d)
			}
		}
	}

	if len(conflicts) > 0 {
		return remote, &ConflictError{Conflicts: conflicts}
	}
	return remote, nil
}

// ConflictError lists the fields both sides changed differently.
type ConflictError struct {
	Conflicts []DiffEntry
}

func (e *ConflictError) Error() string {
	fields := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		fields[i] = c.Field
	}
	return fmt.Sprintf("merge conflict on %s", strings.Join(fields, ", "))
}

// MergeObj merges local edits into remote. Neither input is modified. A nil
// local yields a copy of remote; a nil policy means LocalWins.
func MergeObj(lenses LensMap, local, remote Entity, policy Policy) (Entity, error) {
	if policy == nil {
		policy = LocalWins{}
	}
	r := DeepCopy(remote)
	if local == nil {
		return r, nil
	}
	if r == nil {
		r = make(Entity)
	}
	return policy.Merge(lenses, DeepCopy(local), r)
}

// MergeColl merges every remote record that has a local counterpart by id.
// Unmatched remotes are copied unchanged. Conflicts of all records are
// collected into one *ConflictError returned with the merged collection.
func MergeColl(idLens Lens, lenses LensMap, locals, remotes []Entity, policy Policy) ([]Entity, error) {
	out := make([]Entity, 0, len(remotes))
	var conflicts []DiffEntry

	for _, remote := range remotes {
		local, ok := MatchInColl(idLens, locals, remote)
		if !ok {
			out = append(out, DeepCopy(remote))
			continue
		}

		merged, err := MergeObj(lenses, local, remote, policy)
		var conflictErr *ConflictError
		if errors.As(err, &conflictErr) {
			conflicts = append(conflicts, conflictErr.Conflicts...)
		} else if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}

	if len(conflicts) > 0 {
		return out, &ConflictError{Conflicts: conflicts}
	}
	return out, nil
}

// DeepCopy copies nested objects and arrays. Other values are shared.
func DeepCopy(e Entity) Entity {
	if e == nil {
		return nil
	}
	return copyValue(e).(map[string]any)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = copyValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = copyValue(val)
		}
		return s
	default:
		return v
	}
}
