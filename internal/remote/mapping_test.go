package remote

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/campusline/edusync/internal/model"
)

func TestMapping_EncodeDecodeSymmetry(t *testing.T) {
	ts := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	rec := model.Record{
		ID:          "a1",
		OwnerID:     "u1",
		CreatedAt:   ts,
		LastUpdated: ts.Add(time.Hour),
		SyncStatus:  model.StateSynced,
		ExternalID:  "a1",
		Fields: map[string]any{
			"courseId":    "c1",
			"title":       "Essay",
			"dueDate":     "2024-02-10T23:59:00Z",
			"points":      20.0,
			"attachments": []any{map[string]any{"name": "brief.pdf", "pages": 2.0}},
		},
		FieldUpdated: map[string]time.Time{"title": ts},
	}

	m, err := MappingFor(model.KindAssignment)
	require.NoError(t, err)

	for _, flat := range []bool{false, true} {
		doc, err := m.Encode(&rec, flat)
		require.NoError(t, err)

		if flat {
			assert.IsType(t, "", doc["attachments"])
		}

		raw, err := json.Marshal(doc)
		require.NoError(t, err)

		back, err := m.Decode(gjson.ParseBytes(raw), flat)
		require.NoError(t, err)
		assert.Equal(t, rec, back, "flat=%v", flat)
	}
}

func TestMapping_DateOnlyTimestamp(t *testing.T) {
	m, err := MappingFor(model.KindAttendance)
	require.NoError(t, err)

	rec, err := m.Decode(gjson.Parse(`{"id":"at1","ownerId":"u1","courseId":"c1","date":"2024-01-05","status":"present"}`), false)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-05T00:00:00Z", rec.Fields["date"])

	_, err = m.Decode(gjson.Parse(`{"id":"at2","courseId":"c1","date":"soon","status":"present"}`), false)
	assert.ErrorIs(t, err, ErrData)
}

func TestTranslateFilters(t *testing.T) {
	files, err := MappingFor(model.KindFile)
	require.NoError(t, err)

	params, local, err := files.TranslateFilters(map[string]string{"size": "2048", "name": "notes.pdf", "id": "f1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sizeBytes": "2048", "name": "notes.pdf", "id": "f1"}, params)
	assert.Equal(t, map[string]any{"size": 2048.0, "name": "notes.pdf", "id": "f1"}, local)

	attendance, err := MappingFor(model.KindAttendance)
	require.NoError(t, err)

	_, local, err = attendance.TranslateFilters(map[string]string{"date": "2024-01-05"})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-05T00:00:00Z", local["date"])

	_, _, err = attendance.TranslateFilters(map[string]string{"date": "soon"})
	assert.Error(t, err)

	_, _, err = files.TranslateFilters(map[string]string{"sizeBytes": "2048"})
	assert.ErrorIs(t, err, ErrUnknownField)

	_, _, err = files.TranslateFilters(map[string]string{"sharedWith": "u2"})
	assert.ErrorIs(t, err, ErrUnknownField)

	params, local, err = files.TranslateFilters(nil)
	require.NoError(t, err)
	assert.Nil(t, params)
	assert.Nil(t, local)
}

func TestMapping_FlatColumnMustBeJSON(t *testing.T) {
	m, err := MappingFor(model.KindProfile)
	require.NoError(t, err)

	_, err = m.Decode(gjson.Parse(`{"id":"u1","displayName":"Ada","preferences":"{broken"}`), true)
	require.ErrorIs(t, err, ErrData)

	// Without the flat adapter a string is a type mismatch.
	_, err = m.Decode(gjson.Parse(`{"id":"u1","displayName":"Ada","preferences":"{}"}`), false)
	require.ErrorIs(t, err, ErrData)
}

func TestDecodeDocuments_Envelope(t *testing.T) {
	m, err := MappingFor(model.KindFile)
	require.NoError(t, err)

	_, _, err = m.DecodeDocuments([]byte(`{"items":[]}`), false)
	require.ErrorIs(t, err, ErrData)

	_, _, err = m.DecodeDocuments([]byte(`not json`), false)
	require.ErrorIs(t, err, ErrData)

	recs, rejected, err := m.DecodeDocuments([]byte(`{"documents":[{"id":"f1","name":"a"},{"id":"f1","name":"b"}]}`), false)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Error(), "duplicate")
}

func TestMappingFor_EveryKind(t *testing.T) {
	for _, k := range model.AllKinds {
		m, err := MappingFor(k)
		require.NoError(t, err, k)
		assert.Equal(t, k, m.Kind)
		assert.NotEmpty(t, m.Collection)
	}

	_, err := MappingFor("lesson")
	assert.Error(t, err)
}
