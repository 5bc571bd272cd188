package dataset

import (
	"github.com/malbeclabs/datakit/pkg/record"
)

// Policy decides how incoming records reconcile with the existing dataset.
type Policy interface {
	Merge(existing, incoming []record.Record) ([]record.Record, Result)
}

// DedupByKey appends records whose key is new and resolves key conflicts by
// the Updated column: the record with the newer timestamp wins. When neither
// side carries a usable timestamp the existing record is kept
// (first-write-wins).
type DedupByKey struct {
	Key     func(record.Record) string
	Updated string
}

func (p DedupByKey) Merge(existing, incoming []record.Record) ([]record.Record, Result) {
	var res Result

	merged := make([]record.Record, len(existing))
	copy(merged, existing)

	index := make(map[string]int, len(existing))
	for i, r := range existing {
		if k := p.Key(r); k != "" {
			index[k] = i
		}
	}

	for _, r := range incoming {
		k := p.Key(r)
		if k == "" {
			// No key to dedup on; keep the record rather than drop it.
			merged = append(merged, r)
			res.Added++
			continue
		}
		i, ok := index[k]
		if !ok {
			index[k] = len(merged)
			merged = append(merged, r)
			res.Added++
			continue
		}
		if p.newer(r, merged[i]) {
			merged[i] = r
			res.Replaced++
		}
	}
	return merged, res
}

func (p DedupByKey) newer(incoming, existing record.Record) bool {
	if p.Updated == "" {
		return false
	}
	ti, iok := record.TimeValue(incoming, p.Updated)
	te, eok := record.TimeValue(existing, p.Updated)
	if !iok || !eok {
		return false
	}
	return ti.After(te)
}

// ReplaceScope partitions the dataset by scope and fully replaces every
// partition present in the incoming set. Partitions absent from the fetch are
// untouched.
type ReplaceScope struct {
	Scope func(record.Record) string
}

func (p ReplaceScope) Merge(existing, incoming []record.Record) ([]record.Record, Result) {
	var res Result

	replaced := make(map[string]bool, 4)
	for _, r := range incoming {
		replaced[p.Scope(r)] = true
	}

	merged := make([]record.Record, 0, len(existing)+len(incoming))
	for _, r := range existing {
		if replaced[p.Scope(r)] {
			res.Removed++
			continue
		}
		merged = append(merged, r)
	}
	merged = append(merged, incoming...)
	res.Added = len(incoming)
	return merged, res
}
