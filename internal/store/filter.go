package store

import (
	"cmp"
	"reflect"
	"time"

	"github.com/campusline/edusync/internal/model"
)

// Filter is a conjunction of field-equality tests. Keys name top-level
// record fields (id, ownerId, syncStatus, externalId, integrationId) or
// payload fields. A nil or empty Filter matches every record.
type Filter map[string]any

// Match reports whether r satisfies every test in f. A missing payload
// field only matches a nil test value.
func (f Filter) Match(r *model.Record) bool {
	for field, want := range f {
		got, ok := r.Get(field)
		if !ok {
			if want != nil {
				return false
			}

			continue
		}

		if !valuesEqual(got, want) {
			return false
		}
	}

	return true
}

// With returns a copy of f with one more test added.
func (f Filter) With(field string, value any) Filter {
	out := make(Filter, len(f)+1)
	for k, v := range f {
		out[k] = v
	}

	out[field] = value

	return out
}

func valuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		switch tb := b.(type) {
		case time.Time:
			return ta.Equal(tb)
		case string:
			parsed, err := model.ParseTime(tb)
			return err == nil && ta.Equal(parsed)
		default:
			return false
		}
	}

	if s, ok := b.(model.SyncState); ok {
		b = string(s)
	}

	na, errA := model.NormalizeValue(a)
	nb, errB := model.NormalizeValue(b)

	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}

	return reflect.DeepEqual(na, nb)
}

// OrderBy sorts by one field. The zero value keeps insertion order.
type OrderBy struct {
	Field string
	Desc  bool
}

// Descending orders by field, newest or largest first.
func Descending(field string) OrderBy {
	return OrderBy{Field: field, Desc: true}
}

// Ascending orders by field, oldest or smallest first.
func Ascending(field string) OrderBy {
	return OrderBy{Field: field}
}

func (o OrderBy) compare(a, b *model.Record) int {
	va, _ := a.Get(o.Field)
	vb, _ := b.Get(o.Field)

	c := compareValues(va, vb)
	if o.Desc {
		return -c
	}

	return c
}

// rank groups values of different types so mixed columns still sort
// deterministically: nil < bool < number < time < string < anything else.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

func compareValues(a, b any) int {
	if ra, rb := rank(a), rank(b); ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch ta := a.(type) {
	case bool:
		tb := b.(bool)
		switch {
		case ta == tb:
			return 0
		case !ta:
			return -1
		default:
			return 1
		}
	case float64:
		return cmp.Compare(ta, b.(float64))
	case time.Time:
		return ta.Compare(b.(time.Time))
	case string:
		return cmp.Compare(ta, b.(string))
	default:
		return 0
	}
}
