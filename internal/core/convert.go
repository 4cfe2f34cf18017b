package core

// convert.go holds the field normalizers applied to every raw record and the
// pgtype conversions used by the Postgres run store.
//
// Normalizers deal with the usual mess in user feeds:
//   - Leading/trailing and repeated inner whitespace
//   - Mixed Unicode forms (decomposed accents from some exporters)
//   - Upper-case or padded emails
//
// A text field that is empty after cleanup becomes absent, so presence is
// always meaningful downstream.

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CleanText trims, collapses inner whitespace and converts to NFC.
func CleanText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return norm.NFC.String(s)
}

// cleanField applies CleanText plus an optional extra step, dropping empty results.
func cleanField(f Field[string], extra func(string) string) Field[string] {
	v, ok := f.Get()
	if !ok {
		return f
	}
	v = CleanText(v)
	if extra != nil {
		v = extra(v)
	}
	if v == "" {
		return None[string]()
	}
	return Some(v)
}

// NormalizeEmail lower-cases an already cleaned email.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", ""))
}

// NormalizeCode upper-cases short codes such as nationality.
func NormalizeCode(s string) string {
	return strings.ToUpper(s)
}

// Normalize returns r with every field cleaned. It is idempotent.
func Normalize(r RawRecord) RawRecord {
	out := RawRecord{
		ID:     cleanField(r.ID, nil),
		Name:   cleanField(r.Name, nil),
		Email:  cleanField(r.Email, NormalizeEmail),
		Phone:  cleanField(r.Phone, nil),
		Gender: cleanField(r.Gender, strings.ToLower),
		Nat:    cleanField(r.Nat, NormalizeCode),
	}

	if loc, ok := r.Location.Get(); ok {
		cleaned := Location{
			City:    cleanField(loc.City, nil),
			Country: cleanField(loc.Country, nil),
		}
		if cleaned.City.Present() || cleaned.Country.Present() {
			out.Location = Some(cleaned)
		}
	}

	if age, ok := r.Age.Get(); ok && age >= 0 {
		out.Age = Some(age)
	}

	return out
}

// countryKey returns the comparison key for counting distinct countries:
// location country, else nationality, case-folded.
func countryKey(r RawRecord) string {
	c := r.Country().Or("")
	if c == "" {
		c = r.Nat.Or("")
	}
	if c == "" {
		return ""
	}
	return cases.Fold().String(c)
}

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// FieldToPgText converts an optional string to pgtype.Text.
func FieldToPgText(f Field[string]) pgtype.Text {
	return ToPgText(f.Or(""))
}

// ToPgUUID converts a string to pgtype.UUID.
// Returns invalid if the string is empty or not a valid UUID.
func ToPgUUID(s string) pgtype.UUID {
	if s == "" {
		return pgtype.UUID{Valid: false}
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{Valid: false}
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}
}

// PgUUIDToString converts a pgtype.UUID to its string representation.
// Returns empty string if the UUID is invalid.
func PgUUIDToString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	return uuid.UUID(u.Bytes).String()
}

// PgTextToField converts a nullable text column back to an optional string.
func PgTextToField(t pgtype.Text) Field[string] {
	if !t.Valid {
		return None[string]()
	}
	return Some(t.String)
}
