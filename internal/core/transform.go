package core

// transform.go is the Transform stage: normalize, validate, dedup, aggregate.
//
// Dedup is first-wins. A later record with an already seen identity key is
// dropped even when it carries more data; nothing is merged. Output order is
// the order in which keys first appeared.

import (
	"strconv"
)

// Identity key prefixes. They keep an identifier from colliding with an
// email that happens to have the same text.
const (
	keyPrefixID    = "id:"
	keyPrefixEmail = "email:"
	keyPrefixRow   = "row:"
)

// IdentityKey returns the dedup key of a normalized record:
// the identifier, else the email, else the record's input position.
// Records keyed by position never collide and are always kept.
func IdentityKey(r RawRecord, position int) string {
	if id, ok := r.ID.Get(); ok && id != "" {
		return keyPrefixID + id
	}
	if email, ok := r.Email.Get(); ok && email != "" {
		return keyPrefixEmail + email
	}
	return keyPrefixRow + strconv.Itoa(position)
}

// Process normalizes, validates and deduplicates raw and computes the batch
// metrics. It is total: no input makes it fail or panic.
// The returned slice is never nil.
func Process(raw []RawRecord) ([]CleanRecord, Metrics) {
	kept := make([]CleanRecord, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))

	for i, r := range raw {
		n := Normalize(r)
		key := IdentityKey(n, i)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		v := ValidateRecord(n)
		kept = append(kept, CleanRecord{
			RawRecord: n,
			Valid:     v.Valid,
			Issues:    v.Messages(),
			Key:       key,
		})
	}

	return kept, BuildMetrics(len(raw), kept)
}

// BuildMetrics aggregates the retained records of a batch of rowsIn raw records.
func BuildMetrics(rowsIn int, kept []CleanRecord) Metrics {
	m := Metrics{
		RowsIn:       rowsIn,
		RowsOut:      len(kept),
		DedupRemoved: rowsIn - len(kept),
	}

	countries := make(map[string]struct{})
	for _, r := range kept {
		if !r.Valid {
			m.RowsInvalid++
		}
		if c := countryKey(r.RawRecord); c != "" {
			countries[c] = struct{}{}
		}
	}
	m.Countries = len(countries)

	if len(kept) > 0 {
		last := kept[len(kept)-1]
		if id, ok := last.ID.Get(); ok {
			m.LastRecord = Some(id)
		} else if name, ok := last.Name.Get(); ok {
			m.LastRecord = Some(name)
		}
	}

	return m
}
