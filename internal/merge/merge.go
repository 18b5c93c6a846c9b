// Package merge computes three-way merges of record collections.
//
// Merge is a pure function: it reads BASE, LOCAL and REMOTE and returns the
// merged collection plus the field-level conflicts it had to break a tie on.
// Identical inputs always produce identical (canonically byte-equal) output.
package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/stocksync/stocksync/internal/record"
)

// Side names the input a persisted value came from.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// FieldConflict describes one field changed differently on both sides.
type FieldConflict struct {
	Name        string `json:"name"`
	BaseValue   any    `json:"baseValue"`
	LocalValue  any    `json:"localValue"`
	RemoteValue any    `json:"remoteValue"`
}

// Conflict lists the conflicting fields of one record. Winner is the side
// whose values were persisted by the timestamp tie-break.
type Conflict struct {
	RecordID   string          `json:"recordId"`
	RecordType record.Kind     `json:"recordType"`
	Fields     []FieldConflict `json:"fields"`
	Winner     Side            `json:"winner"`
}

// Result is the output of Merge.
type Result[T record.Record] struct {
	Merged    []T
	Conflicts []Conflict
}

// Merge merges one collection. Records are matched by id across the three
// inputs; the output is sorted by id.
func Merge[T record.Record](base, local, remote []T) (Result[T], error) {
	kind := record.KindOf[T]()
	bi, li, ri := record.Index(base), record.Index(local), record.Index(remote)

	ids := make(map[string]struct{}, len(bi)+len(li)+len(ri))
	for _, idx := range []map[string]T{bi, li, ri} {
		for id := range idx {
			ids[id] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	res := Result[T]{Merged: make([]T, 0, len(sorted))}
	for _, id := range sorted {
		b, l, r := lookup(bi, id), lookup(li, id), lookup(ri, id)
		if l == nil && r == nil {
			// Both sides compacted the record away.
			continue
		}
		rec, conflict, err := mergeRecord(kind, b, l, r)
		if err != nil {
			return Result[T]{}, fmt.Errorf("failed to merge %s %s: %w", kind, id, err)
		}
		res.Merged = append(res.Merged, rec)
		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
		}
	}
	return res, nil
}

func lookup[T record.Record](idx map[string]T, id string) *T {
	if r, ok := idx[id]; ok {
		return &r
	}
	return nil
}

func mergeRecord[T record.Record](kind record.Kind, base, local, remote *T) (T, *Conflict, error) {
	var zero T

	if winner := tombstone(local, remote, base); winner != nil {
		return *winner, nil, nil
	}

	if local != nil && remote != nil {
		same, err := canonicalEqual(*local, *remote)
		if err != nil {
			return zero, nil, err
		}
		if same {
			return *local, nil, nil
		}
	}

	maxVersion := int64(0)
	for _, c := range []*T{base, local, remote} {
		if c != nil && (*c).Header().Version > maxVersion {
			maxVersion = (*c).Header().Version
		}
	}

	// Only one side holds the record: take it wholesale.
	if local == nil || remote == nil {
		side := local
		if side == nil {
			side = remote
		}
		src := *side
		if src.Header().Deleted && base != nil {
			// A stale tombstone lost to a newer live base.
			src = *base
		}
		meta := (*side).Header()
		meta.Version = maxVersion + 1
		meta.Deleted = false
		rec, err := withMeta(src, nil, meta)
		return rec, nil, err
	}

	return mergeFields(kind, base, *local, *remote, maxVersion)
}

// tombstone returns the deleted candidate holding the highest version, or nil
// if the highest version is alive. Deletion wins over older or equal-version
// edits; only a strictly newer live edit overrides it.
func tombstone[T record.Record](cands ...*T) *T {
	maxVersion := int64(0)
	for _, c := range cands {
		if c != nil && (*c).Header().Version > maxVersion {
			maxVersion = (*c).Header().Version
		}
	}
	for _, c := range cands {
		if c == nil {
			continue
		}
		h := (*c).Header()
		if h.Version == maxVersion && h.Deleted {
			return c
		}
	}
	return nil
}

func mergeFields[T record.Record](kind record.Kind, base *T, local, remote T, maxVersion int64) (T, *Conflict, error) {
	var zero T

	var bm map[string]json.RawMessage
	if base != nil {
		m, err := fieldMap(*base)
		if err != nil {
			return zero, nil, err
		}
		bm = m
	}
	lm, err := fieldMap(local)
	if err != nil {
		return zero, nil, err
	}
	rm, err := fieldMap(remote)
	if err != nil {
		return zero, nil, err
	}

	lh, rh := local.Header(), remote.Header()
	// Strictly newer timestamp wins; an exact tie goes to local.
	localWins := !rh.UpdatedAt.After(lh.UpdatedAt)

	keys := make(map[string]struct{})
	for _, m := range []map[string]json.RawMessage{bm, lm, rm} {
		for k := range m {
			if !record.MetaFields[k] {
				keys[k] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make(map[string]json.RawMessage, len(names))
	var fields []FieldConflict
	for _, name := range names {
		bv, lv, rv := bm[name], lm[name], rm[name]
		var chosen json.RawMessage
		switch {
		case bytes.Equal(bv, rv) && !bytes.Equal(lv, bv):
			chosen = lv
		case bytes.Equal(bv, lv) && !bytes.Equal(rv, bv):
			chosen = rv
		case !bytes.Equal(lv, bv) && !bytes.Equal(rv, bv) && !bytes.Equal(lv, rv):
			fields = append(fields, FieldConflict{
				Name:        name,
				BaseValue:   decodeValue(bv),
				LocalValue:  decodeValue(lv),
				RemoteValue: decodeValue(rv),
			})
			if localWins {
				chosen = lv
			} else {
				chosen = rv
			}
		default:
			// Local and remote agree here.
			chosen = lv
		}
		if chosen != nil {
			out[name] = chosen
		}
	}

	meta := lh
	if !localWins {
		meta.UpdatedAt = rh.UpdatedAt
		meta.UpdatedBy = rh.UpdatedBy
	}
	if meta.CreatedBy == "" {
		meta.CreatedBy = rh.CreatedBy
	}
	if meta.CreatedBy == "" && base != nil {
		meta.CreatedBy = (*base).Header().CreatedBy
	}
	meta.Version = maxVersion + 1
	meta.Deleted = false

	rec, err := withMeta(local, out, meta)
	if err != nil {
		return zero, nil, err
	}

	if len(fields) == 0 {
		return rec, nil, nil
	}
	winner := SideLocal
	if !localWins {
		winner = SideRemote
	}
	return rec, &Conflict{
		RecordID:   lh.ID,
		RecordType: kind,
		Fields:     fields,
		Winner:     winner,
	}, nil
}

// fieldMap flattens a record into its JSON members, each in canonical form.
func fieldMap[T record.Record](rec T) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to split record fields: %w", err)
	}
	for k, v := range m {
		c, err := record.Canonical(v)
		if err != nil {
			return nil, err
		}
		m[k] = c
	}
	return m, nil
}

// withMeta rebuilds a record from domain fields and a header. A nil fields
// map keeps the domain fields of like.
func withMeta[T record.Record](like T, fields map[string]json.RawMessage, meta record.Meta) (T, error) {
	var zero T
	if fields == nil {
		m, err := fieldMap(like)
		if err != nil {
			return zero, err
		}
		fields = make(map[string]json.RawMessage, len(m))
		for k, v := range m {
			if !record.MetaFields[k] {
				fields[k] = v
			}
		}
	}

	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal meta: %w", err)
	}
	var metaMap map[string]json.RawMessage
	if err := json.Unmarshal(metaRaw, &metaMap); err != nil {
		return zero, fmt.Errorf("failed to split meta: %w", err)
	}
	for k, v := range metaMap {
		fields[k] = v
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal merged record: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("failed to decode merged record: %w", err)
	}
	return out, nil
}

func canonicalEqual[T record.Record](a, b T) (bool, error) {
	ca, err := record.Canonical(a)
	if err != nil {
		return false, err
	}
	cb, err := record.Canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func decodeValue(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
