package core

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func user(id, name, email, country string) RawRecord {
	r := RawRecord{}
	if id != "" {
		r.ID = Some(id)
	}
	if name != "" {
		r.Name = Some(name)
	}
	if email != "" {
		r.Email = Some(email)
	}
	if country != "" {
		r.Location = Some(Location{Country: Some(country)})
	}
	return r
}

func ids(recs []CleanRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID.Or("")
	}
	return out
}

func checkCounts(t *testing.T, m Metrics) {
	t.Helper()
	if m.RowsIn != m.RowsOut+m.DedupRemoved {
		t.Errorf("rows_in %d != rows_out %d + dedup_removed %d", m.RowsIn, m.RowsOut, m.DedupRemoved)
	}
	if m.Countries > m.RowsOut {
		t.Errorf("countries %d > rows_out %d", m.Countries, m.RowsOut)
	}
	if m.RowsInvalid > m.RowsOut {
		t.Errorf("rows_invalid %d > rows_out %d", m.RowsInvalid, m.RowsOut)
	}
}

func TestProcess_DedupFirstWins(t *testing.T) {
	raw := []RawRecord{
		user("1", "Ann", "ann@example.com", "US"),
		user("2", "Ben", "ben@example.com", "US"),
		user("1", "Ann Other", "other@example.com", "FR"),
	}

	got, m := Process(raw)

	if diff := cmp.Diff([]string{"1", "2"}, ids(got)); diff != "" {
		t.Errorf("kept ids mismatch (-want +got):\n%s", diff)
	}
	if name := got[0].Name.Or(""); name != "Ann" {
		t.Errorf("first occurrence replaced: name = %q", name)
	}

	want := Metrics{RowsIn: 3, RowsOut: 2, DedupRemoved: 1, Countries: 1, LastRecord: Some("2")}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestProcess_Empty(t *testing.T) {
	for _, raw := range [][]RawRecord{nil, {}} {
		got, m := Process(raw)

		if got == nil {
			t.Fatal("Process returned nil slice")
		}
		if len(got) != 0 {
			t.Errorf("len = %d, want 0", len(got))
		}
		if diff := cmp.Diff(Metrics{}, m); diff != "" {
			t.Errorf("metrics mismatch (-want +got):\n%s", diff)
		}
		if m.LastRecordLabel() != NoDataMarker {
			t.Errorf("LastRecordLabel() = %q, want %q", m.LastRecordLabel(), NoDataMarker)
		}

		b, err := json.Marshal(struct {
			Users   []CleanRecord `json:"users"`
			Metrics Metrics       `json:"metrics"`
		}{got, m})
		if err != nil {
			t.Fatal(err)
		}
		want := `{"users":[],"metrics":{"rows_in":0,"rows_out":0,"dedup_removed":0,"countries":0,"rows_invalid":0,"lastRecord":null}}`
		if string(b) != want {
			t.Errorf("json = %s, want %s", b, want)
		}
	}
}

func TestProcess_AllDuplicates(t *testing.T) {
	raw := []RawRecord{
		user("7", "A", "a@example.com", ""),
		user("7", "B", "b@example.com", ""),
		user("7", "C", "c@example.com", ""),
	}

	got, m := Process(raw)

	if m.RowsOut != 1 || m.DedupRemoved != 2 || len(got) != 1 {
		t.Errorf("got rows_out=%d dedup_removed=%d len=%d, want 1, 2, 1", m.RowsOut, m.DedupRemoved, len(got))
	}
}

func TestProcess_MissingEmailRetainedInvalid(t *testing.T) {
	got, m := Process([]RawRecord{user("1", "Ann", "", "US")})

	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Valid {
		t.Error("record without email should be invalid")
	}
	if diff := cmp.Diff([]string{"email: required field is missing"}, got[0].Issues); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
	if m.RowsInvalid != 1 {
		t.Errorf("rows_invalid = %d, want 1", m.RowsInvalid)
	}
}

func TestProcess_IdentityKeyFallbacks(t *testing.T) {
	raw := []RawRecord{
		user("", "Ann", "Ann@Example.com", ""),
		user("", "Ann again", " ann@example.com", ""), // same email after normalization
		user("", "Nobody", "", ""),
		user("", "Nobody", "", ""), // no id or email: never a duplicate
		user("ann@example.com", "Id equals email", "x@example.com", ""),
	}

	got, m := Process(raw)

	keys := make([]string, len(got))
	for i, r := range got {
		keys[i] = r.Key
	}
	want := []string{"email:ann@example.com", "row:2", "row:3", "id:ann@example.com"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if m.DedupRemoved != 1 {
		t.Errorf("dedup_removed = %d, want 1", m.DedupRemoved)
	}
}

func TestProcess_WhitespaceIDsCollide(t *testing.T) {
	_, m := Process([]RawRecord{user(" 5", "A", "", ""), user("5 ", "B", "", "")})
	if m.DedupRemoved != 1 {
		t.Errorf("dedup_removed = %d, want 1", m.DedupRemoved)
	}
}

func TestProcess_Countries(t *testing.T) {
	raw := []RawRecord{
		user("1", "A", "a@example.com", "France"),
		user("2", "B", "b@example.com", "france"),
		user("3", "C", "c@example.com", " FRANCE "),
		{ID: Some("4"), Nat: Some("de")},
		{ID: Some("5")},
	}

	_, m := Process(raw)

	if m.Countries != 2 {
		t.Errorf("countries = %d, want 2", m.Countries)
	}
	checkCounts(t, m)
}

func TestProcess_LastRecordFallsBackToName(t *testing.T) {
	_, m := Process([]RawRecord{user("1", "A", "", ""), user("", "Zed", "", "")})
	if !m.LastRecord.Equal(Some("Zed")) {
		t.Errorf("lastRecord = %v, want Zed", m.LastRecord)
	}

	_, m = Process([]RawRecord{user("1", "A", "", ""), {Phone: Some("555")}})
	if m.LastRecord.Present() {
		t.Errorf("lastRecord = %v, want absent", m.LastRecord)
	}
	if m.LastRecordLabel() != NoDataMarker {
		t.Errorf("LastRecordLabel() = %q", m.LastRecordLabel())
	}
}

func TestProcess_ReprocessRemovesNothing(t *testing.T) {
	raw := []RawRecord{
		user("1", "A", "a@example.com", "US"),
		user("1", "A2", "a2@example.com", "US"),
		user("", "B", "b@example.com", "FR"),
		user("", "C", "", ""),
		user("2", "", "B@example.com", "FR"),
	}

	first, _ := Process(raw)
	again := make([]RawRecord, len(first))
	for i, r := range first {
		again[i] = r.RawRecord
	}
	second, m := Process(again)

	if m.DedupRemoved != 0 {
		t.Errorf("reprocessing removed %d records", m.DedupRemoved)
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(CleanRecord{}, "Key")); diff != "" {
		t.Errorf("reprocessing changed records (-first +second):\n%s", diff)
	}
}

func TestProcess_OrderAndCountsHoldForMixedBatches(t *testing.T) {
	// Deterministic pseudo-random batches with many collisions.
	for seed := 1; seed <= 25; seed++ {
		var raw []RawRecord
		x := seed
		for i := 0; i < 40; i++ {
			x = (x*1103515245 + 12345) % 2147483648
			switch x % 4 {
			case 0:
				raw = append(raw, user(fmt.Sprint(x%7), "N", "", fmt.Sprint("C", x%5)))
			case 1:
				raw = append(raw, user("", "N", fmt.Sprintf("u%d@example.com", x%6), ""))
			case 2:
				raw = append(raw, user("", "N", "", ""))
			default:
				raw = append(raw, RawRecord{})
			}
		}

		got, m := Process(raw)
		checkCounts(t, m)
		if m.RowsOut != len(got) || m.RowsIn != len(raw) {
			t.Fatalf("seed %d: rows_in=%d rows_out=%d len(raw)=%d len(got)=%d", seed, m.RowsIn, m.RowsOut, len(raw), len(got))
		}

		// Retained order is first-seen order.
		pos := make(map[string]int)
		for i, r := range raw {
			k := IdentityKey(Normalize(r), i)
			if _, ok := pos[k]; !ok {
				pos[k] = i
			}
		}
		last := -1
		for _, r := range got {
			if pos[r.Key] <= last {
				t.Fatalf("seed %d: key %s out of first-seen order", seed, r.Key)
			}
			last = pos[r.Key]
		}
	}
}
