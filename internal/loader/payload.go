package loader

// payload.go decodes source payloads into raw records.
//
// Two envelopes are accepted: {"results": [...]} as served by randomuser.me,
// and a bare array. Elements are either randomuser records (nested name,
// login, dob) or flat records shaped like core.RawRecord. The shape is
// checked against payloadSchema before any record is decoded.

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/JonMunkholm/MiniETL/internal/core"
)

//go:embed schema/payload.json
var payloadSchemaJSON []byte

const payloadSchemaURL = "payload.json"

// compilePayloadSchema compiles the embedded payload schema.
func compilePayloadSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaURL, bytes.NewReader(payloadSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	schema, err := compiler.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return schema, nil
}

// decodePayload validates body against schema and decodes its records.
// It returns a RetrievalFailure with ReasonDecode or ReasonSchema.
func decodePayload(schema *jsonschema.Schema, body []byte) ([]core.RawRecord, *core.RetrievalFailure) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &core.RetrievalFailure{Reason: core.ReasonDecode, Err: fmt.Errorf("invalid json: %w", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &core.RetrievalFailure{Reason: core.ReasonSchema, Err: err}
	}

	var elems []json.RawMessage
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		if err := json.Unmarshal(body, &elems); err != nil {
			return nil, &core.RetrievalFailure{Reason: core.ReasonDecode, Err: err}
		}
	} else {
		var env struct {
			Results []json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, &core.RetrievalFailure{Reason: core.ReasonDecode, Err: err}
		}
		elems = env.Results
	}

	records := make([]core.RawRecord, 0, len(elems))
	for i, raw := range elems {
		r, err := decodeRecord(raw)
		if err != nil {
			return nil, &core.RetrievalFailure{
				Reason: core.ReasonDecode,
				Err:    fmt.Errorf("record %d: %w", i, err),
			}
		}
		records = append(records, r)
	}
	return records, nil
}

// randomUser is the subset of a randomuser.me result that is used.
type randomUser struct {
	Gender string `json:"gender"`
	Name   struct {
		Title string `json:"title"`
		First string `json:"first"`
		Last  string `json:"last"`
	} `json:"name"`
	Location struct {
		City    string `json:"city"`
		Country string `json:"country"`
	} `json:"location"`
	Email string `json:"email"`
	Login struct {
		UUID string `json:"uuid"`
	} `json:"login"`
	DOB struct {
		Age *int `json:"age"`
	} `json:"dob"`
	Phone string `json:"phone"`
	ID    struct {
		Name  string  `json:"name"`
		Value *string `json:"value"`
	} `json:"id"`
	Nat string `json:"nat"`
}

// flatUser is a RawRecord whose id may be a number.
type flatUser struct {
	core.RawRecord
	ID flexibleID `json:"id"`
}

// flexibleID accepts a string or a number.
type flexibleID struct {
	core.Field[string]
}

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		f.Field = core.None[string]()
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		return f.Field.UnmarshalJSON(b)
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	f.Field = core.Some(s)
	return nil
}

// decodeRecord decodes one element in either supported record shape.
func decodeRecord(raw json.RawMessage) (core.RawRecord, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return core.RawRecord{}, err
	}

	if isRandomUser(probe) {
		var u randomUser
		if err := json.Unmarshal(raw, &u); err != nil {
			return core.RawRecord{}, err
		}
		return u.toRaw(), nil
	}

	var f flatUser
	if err := json.Unmarshal(raw, &f); err != nil {
		return core.RawRecord{}, err
	}
	r := f.RawRecord
	r.ID = f.ID.Field
	return r, nil
}

// isRandomUser reports whether the element uses the nested randomuser layout.
func isRandomUser(probe map[string]json.RawMessage) bool {
	for _, k := range []string{"login", "dob"} {
		if _, ok := probe[k]; ok {
			return true
		}
	}
	if name, ok := probe["name"]; ok {
		return bytes.HasPrefix(bytes.TrimSpace(name), []byte("{"))
	}
	return false
}

func (u randomUser) toRaw() core.RawRecord {
	r := core.RawRecord{
		Name:   optional(strings.Join(strings.Fields(u.Name.First+" "+u.Name.Last), " ")),
		Email:  optional(u.Email),
		Phone:  optional(u.Phone),
		Gender: optional(u.Gender),
		Nat:    optional(u.Nat),
	}

	switch {
	case u.Login.UUID != "":
		r.ID = core.Some(u.Login.UUID)
	case u.ID.Value != nil && *u.ID.Value != "":
		r.ID = core.Some(*u.ID.Value)
	}

	if u.DOB.Age != nil {
		r.Age = core.Some(*u.DOB.Age)
	}

	loc := core.Location{City: optional(u.Location.City), Country: optional(u.Location.Country)}
	if loc.City.Present() || loc.Country.Present() {
		r.Location = core.Some(loc)
	}
	return r
}

func optional(s string) core.Field[string] {
	if s == "" {
		return core.None[string]()
	}
	return core.Some(s)
}
