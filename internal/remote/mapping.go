package remote

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"

	"github.com/campusline/edusync/internal/model"
)

// Remote document envelope fields shared by every kind.
const (
	docID           = "id"
	docOwnerID      = "ownerId"
	docCreatedAt    = "createdAt"
	docUpdatedAt    = "updatedAt"
	docFieldUpdated = "fieldUpdated"
)

type fieldType int

const (
	typeString fieldType = iota
	typeNumber
	typeBool
	typeTime
	typeObject
	typeArray
)

func (t fieldType) String() string {
	switch t {
	case typeString:
		return "string"
	case typeNumber:
		return "number"
	case typeBool:
		return "bool"
	case typeTime:
		return "timestamp"
	case typeObject:
		return "object"
	default:
		return "array"
	}
}

// nested reports whether values of the type are encoded as JSON strings at
// a flat-column boundary.
func (t fieldType) nested() bool {
	return t == typeObject || t == typeArray
}

type fieldSpec struct {
	local    string
	remote   string
	typ      fieldType
	required bool
}

// Mapping converts between remote documents and records of one kind.
type Mapping struct {
	Kind       model.Kind
	Collection string
	fields     []fieldSpec
}

func optional(local, remote string, typ fieldType) fieldSpec {
	return fieldSpec{local: local, remote: remote, typ: typ}
}

func required(local, remote string, typ fieldType) fieldSpec {
	return fieldSpec{local: local, remote: remote, typ: typ, required: true}
}

var mappings = map[model.Kind]*Mapping{
	model.KindProfile: {Kind: model.KindProfile, Collection: "profiles", fields: []fieldSpec{
		required("name", "displayName", typeString),
		optional("email", "email", typeString),
		optional("role", "role", typeString),
		optional("program", "program", typeString),
		optional("avatarUrl", "avatarUrl", typeString),
		optional("preferences", "preferences", typeObject),
	}},
	model.KindCourse: {Kind: model.KindCourse, Collection: "courses", fields: []fieldSpec{
		required("title", "name", typeString),
		optional("code", "code", typeString),
		optional("instructor", "instructor", typeString),
		optional("credits", "credits", typeNumber),
		optional("schedule", "schedule", typeObject),
		optional("description", "description", typeString),
	}},
	model.KindAssignment: {Kind: model.KindAssignment, Collection: "assignments", fields: []fieldSpec{
		required("courseId", "courseId", typeString),
		required("title", "title", typeString),
		optional("dueDate", "dueDate", typeTime),
		optional("points", "points", typeNumber),
		optional("status", "status", typeString),
		optional("attachments", "attachments", typeArray),
	}},
	model.KindGrade: {Kind: model.KindGrade, Collection: "grades", fields: []fieldSpec{
		required("courseId", "courseId", typeString),
		optional("assignmentId", "assignmentId", typeString),
		required("score", "score", typeNumber),
		optional("maxScore", "maxScore", typeNumber),
		optional("letter", "letter", typeString),
		optional("gradedAt", "gradedAt", typeTime),
	}},
	model.KindAttendance: {Kind: model.KindAttendance, Collection: "attendance", fields: []fieldSpec{
		required("courseId", "courseId", typeString),
		required("date", "date", typeTime),
		required("status", "status", typeString),
		optional("minutesLate", "minutesLate", typeNumber),
	}},
	model.KindAnnouncement: {Kind: model.KindAnnouncement, Collection: "announcements", fields: []fieldSpec{
		required("title", "title", typeString),
		optional("body", "body", typeString),
		optional("courseId", "courseId", typeString),
		optional("publishedAt", "publishedAt", typeTime),
		optional("priority", "priority", typeString),
		optional("tags", "tags", typeArray),
	}},
	model.KindFile: {Kind: model.KindFile, Collection: "files", fields: []fieldSpec{
		required("name", "name", typeString),
		optional("mimeType", "mimeType", typeString),
		optional("size", "sizeBytes", typeNumber),
		optional("url", "url", typeString),
		optional("folder", "folder", typeString),
		optional("sharedWith", "sharedWith", typeArray),
	}},
}

// MappingFor returns the mapping of a kind.
func MappingFor(k model.Kind) (*Mapping, error) {
	m, ok := mappings[k]
	if !ok {
		return nil, fmt.Errorf("remote: no mapping for kind %q", k)
	}

	return m, nil
}

// ErrUnknownField marks a query filter on a field the kind cannot be
// filtered by.
var ErrUnknownField = errors.New("remote: unknown field")

// TranslateFilters checks query filters keyed by local field names. It
// returns the filters renamed for the remote store and the same filters
// typed for comparison against local records. Only scalar payload fields
// and the record id can be filtered on.
func (m *Mapping) TranslateFilters(filters map[string]string) (map[string]string, map[string]any, error) {
	if len(filters) == 0 {
		return nil, nil, nil
	}

	params := make(map[string]string, len(filters))
	local := make(map[string]any, len(filters))

	for name, raw := range filters {
		if name == model.FieldID {
			params[docID] = raw
			local[model.FieldID] = NormalizeID(raw)

			continue
		}

		fs, ok := m.byLocal(name)
		if !ok || fs.typ.nested() {
			return nil, nil, fmt.Errorf("%w: %s has no filterable field %q", ErrUnknownField, m.Kind, name)
		}

		v, err := filterValue(fs, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("remote: filter %s: %w", name, err)
		}

		params[fs.remote] = raw
		local[fs.local] = v
	}

	return params, local, nil
}

func filterValue(fs fieldSpec, raw string) (any, error) {
	switch fs.typ {
	case typeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected %s, got %q", fs.typ, raw)
		}

		return n, nil
	case typeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected %s, got %q", fs.typ, raw)
		}

		return b, nil
	case typeTime:
		t, err := model.ParseTime(raw)
		if err != nil {
			return nil, err
		}

		return t.Format(time.RFC3339Nano), nil
	default:
		return raw, nil
	}
}

func (m *Mapping) byLocal(name string) (fieldSpec, bool) {
	for _, fs := range m.fields {
		if fs.local == name {
			return fs, true
		}
	}

	return fieldSpec{}, false
}

// NormalizeID returns the NFC form of an identifier so ids typed on
// different platforms compare equal.
func NormalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// Decode converts one remote document into a record. With flat set, nested
// fields arrive as JSON strings and are parsed back into native values.
func (m *Mapping) Decode(doc gjson.Result, flat bool) (model.Record, error) {
	var rec model.Record

	if !doc.IsObject() {
		return rec, dataError(m.Kind, "", "document is not an object")
	}

	id := NormalizeID(doc.Get(docID).String())
	if id == "" {
		return rec, dataError(m.Kind, "", "document has no id")
	}

	rec.ID = id
	rec.ExternalID = id
	rec.OwnerID = NormalizeID(doc.Get(docOwnerID).String())
	rec.SyncStatus = model.StateSynced
	rec.Fields = make(map[string]any, len(m.fields))

	var err error
	if rec.CreatedAt, err = model.ParseTime(doc.Get(docCreatedAt).String()); err != nil {
		return rec, dataError(m.Kind, id, err.Error())
	}

	if rec.LastUpdated, err = model.ParseTime(doc.Get(docUpdatedAt).String()); err != nil {
		return rec, dataError(m.Kind, id, err.Error())
	}

	if fu := doc.Get(docFieldUpdated); fu.IsObject() {
		byRemote := m.byRemote()

		for name, ts := range fu.Map() {
			t, perr := model.ParseTime(ts.String())
			if perr != nil {
				return rec, dataError(m.Kind, id, "fieldUpdated."+name+": "+perr.Error())
			}

			if fs, ok := byRemote[name]; ok {
				if rec.FieldUpdated == nil {
					rec.FieldUpdated = make(map[string]time.Time)
				}

				rec.FieldUpdated[fs.local] = t
			}
		}
	}

	for _, fs := range m.fields {
		v := doc.Get(gjsonEscape(fs.remote))
		if !v.Exists() || v.Type == gjson.Null {
			if fs.required {
				return rec, dataError(m.Kind, id, "missing required field "+fs.remote)
			}

			continue
		}

		val, verr := decodeValue(v, fs, flat)
		if verr != nil {
			return rec, dataError(m.Kind, id, verr.Error())
		}

		rec.Fields[fs.local] = val
	}

	return rec, nil
}

func decodeValue(v gjson.Result, fs fieldSpec, flat bool) (any, error) {
	mismatch := func() error {
		return fmt.Errorf("field %s: expected %s, got %s", fs.remote, fs.typ, v.Type)
	}

	switch fs.typ {
	case typeString:
		if v.Type != gjson.String {
			return nil, mismatch()
		}

		return v.Str, nil
	case typeNumber:
		if v.Type != gjson.Number {
			return nil, mismatch()
		}

		return v.Num, nil
	case typeBool:
		if !v.IsBool() {
			return nil, mismatch()
		}

		return v.Bool(), nil
	case typeTime:
		if v.Type != gjson.String {
			return nil, mismatch()
		}

		t, err := model.ParseTime(v.Str)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fs.remote, err)
		}

		return t.Format(time.RFC3339Nano), nil
	default:
		if flat && v.Type == gjson.String {
			if !gjson.Valid(v.Str) {
				return nil, fmt.Errorf("field %s: flat column is not valid JSON", fs.remote)
			}

			v = gjson.Parse(v.Str)
		}

		if fs.typ == typeObject && !v.IsObject() {
			return nil, mismatch()
		}

		if fs.typ == typeArray && !v.IsArray() {
			return nil, mismatch()
		}

		return model.NormalizeValue(v.Value())
	}
}

// Encode converts a record into a remote document. With flat set, nested
// values are encoded as JSON strings. Payload fields the mapping does not
// name are not sent.
func (m *Mapping) Encode(rec *model.Record, flat bool) (map[string]any, error) {
	doc := map[string]any{
		docID:      rec.ID,
		docOwnerID: rec.OwnerID,
	}

	if !rec.CreatedAt.IsZero() {
		doc[docCreatedAt] = rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	if !rec.LastUpdated.IsZero() {
		doc[docUpdatedAt] = rec.LastUpdated.UTC().Format(time.RFC3339Nano)
	}

	var fieldUpdated map[string]any

	for _, fs := range m.fields {
		v, ok := rec.Fields[fs.local]
		if !ok {
			if fs.required {
				return nil, dataError(m.Kind, rec.ID, "missing required field "+fs.local)
			}

			continue
		}

		if flat && fs.typ.nested() && v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, dataError(m.Kind, rec.ID, "encoding "+fs.local+": "+err.Error())
			}

			v = string(b)
		}

		doc[fs.remote] = v

		if ts, ok := rec.FieldUpdated[fs.local]; ok {
			if fieldUpdated == nil {
				fieldUpdated = make(map[string]any)
			}

			fieldUpdated[fs.remote] = ts.UTC().Format(time.RFC3339Nano)
		}
	}

	if fieldUpdated != nil {
		doc[docFieldUpdated] = fieldUpdated
	}

	return doc, nil
}

// DecodeDocuments decodes the "documents" array of a list or watch frame.
// Documents that fail to decode are returned as data errors alongside the
// records that succeeded.
func (m *Mapping) DecodeDocuments(body []byte, flat bool) ([]model.Record, []*Error, error) {
	if !gjson.ValidBytes(body) {
		return nil, nil, dataError(m.Kind, "", "response is not valid JSON")
	}

	docs := gjson.GetBytes(body, "documents")
	if !docs.IsArray() {
		return nil, nil, dataError(m.Kind, "", "response has no documents array")
	}

	var (
		records  []model.Record
		rejected []*Error
		seen     = make(map[string]bool)
	)

	docs.ForEach(func(_, doc gjson.Result) bool {
		rec, err := m.Decode(doc, flat)
		if err != nil {
			rejected = append(rejected, asError(err))
			return true
		}

		if seen[rec.ID] {
			rejected = append(rejected, dataError(m.Kind, rec.ID, "duplicate document id"))
			return true
		}

		seen[rec.ID] = true
		records = append(records, rec)

		return true
	})

	return records, rejected, nil
}

func (m *Mapping) byRemote() map[string]fieldSpec {
	out := make(map[string]fieldSpec, len(m.fields))
	for _, fs := range m.fields {
		out[fs.remote] = fs
	}

	return out
}

func asError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}

	return &Error{Message: err.Error(), Err: ErrData}
}

// gjsonEscape escapes path syntax characters so a field name is read
// literally.
func gjsonEscape(name string) string {
	var b strings.Builder

	for _, r := range name {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}
