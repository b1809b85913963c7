package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConditionsLiteralIsEquals(t *testing.T) {
	set, err := ParseConditions(map[string]interface{}{"page": "/pricing"})
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, OpEquals, set[0].Op)
	assert.Equal(t, "page", set[0].Field)
}

func TestParseConditionsOperatorObject(t *testing.T) {
	set, err := ParseConditions(map[string]interface{}{
		"visits": map[string]interface{}{"gt": 3.0, "lte": 10.0},
	})
	require.NoError(t, err)
	assert.Len(t, set, 2)
}

func TestParseConditionsRejectsUnknownOperator(t *testing.T) {
	_, err := ParseConditions(map[string]interface{}{
		"visits": map[string]interface{}{"between": []interface{}{1, 5}},
	})
	assert.Error(t, err)
}

func TestParseConditionsInRequiresArray(t *testing.T) {
	_, err := ParseConditions(map[string]interface{}{
		"plan": map[string]interface{}{"in": "free"},
	})
	assert.Error(t, err)
}

func TestMatchesImplicitAnd(t *testing.T) {
	set, err := ParseConditions(map[string]interface{}{
		"page":   "/pricing",
		"visits": map[string]interface{}{"gte": 2.0},
	})
	require.NoError(t, err)

	assert.True(t, set.Matches(map[string]interface{}{"page": "/pricing", "visits": 5}))
	assert.False(t, set.Matches(map[string]interface{}{"page": "/pricing", "visits": 1}))
	assert.False(t, set.Matches(map[string]interface{}{"page": "/home", "visits": 5}))
}

func TestMatchesMissingFieldFailsEveryOperator(t *testing.T) {
	for _, spec := range []map[string]interface{}{
		{"f": "x"},
		{"f": map[string]interface{}{"contains": "x"}},
		{"f": map[string]interface{}{"gt": 1.0}},
		{"f": map[string]interface{}{"not_in": []interface{}{"x"}}},
	} {
		set, err := ParseConditions(spec)
		require.NoError(t, err)
		assert.False(t, set.Matches(map[string]interface{}{"other": "y"}),
			"missing field must not satisfy %v", spec)
	}
}

func TestMatchesContainsStringifiesBothSides(t *testing.T) {
	set, err := ParseConditions(map[string]interface{}{
		"path": map[string]interface{}{"contains": 42.0},
	})
	require.NoError(t, err)
	assert.True(t, set.Matches(map[string]interface{}{"path": "/answer/42/details"}))
	assert.False(t, set.Matches(map[string]interface{}{"path": "/answer/41"}))
}

func TestMatchesNumericCoercionFailsClosed(t *testing.T) {
	set, err := ParseConditions(map[string]interface{}{
		"score": map[string]interface{}{"gt": 5.0},
	})
	require.NoError(t, err)
	// "abc" coerces to NaN; NaN comparisons must be false.
	assert.False(t, set.Matches(map[string]interface{}{"score": "abc"}))
	assert.True(t, set.Matches(map[string]interface{}{"score": "7"}))
}

func TestMatchesInAndNotIn(t *testing.T) {
	set, err := ParseConditions(map[string]interface{}{
		"plan": map[string]interface{}{"in": []interface{}{"pro", "team"}},
	})
	require.NoError(t, err)
	assert.True(t, set.Matches(map[string]interface{}{"plan": "pro"}))
	assert.False(t, set.Matches(map[string]interface{}{"plan": "free"}))

	set, err = ParseConditions(map[string]interface{}{
		"plan": map[string]interface{}{"not_in": []interface{}{"free"}},
	})
	require.NoError(t, err)
	assert.True(t, set.Matches(map[string]interface{}{"plan": "pro"}))
	assert.False(t, set.Matches(map[string]interface{}{"plan": "free"}))
}

func TestMatchesNumericEqualityAcrossTypes(t *testing.T) {
	set, err := ParseConditions(map[string]interface{}{"count": 3.0})
	require.NoError(t, err)
	// Context values may be int (from Go code) or float64 (from JSON).
	assert.True(t, set.Matches(map[string]interface{}{"count": 3}))
	assert.True(t, set.Matches(map[string]interface{}{"count": 3.0}))
	assert.False(t, set.Matches(map[string]interface{}{"count": 4}))
}

func TestMatchesEqualityNeverCrossesStringsAndNumbers(t *testing.T) {
	set, err := ParseConditions(map[string]interface{}{"code": "1"})
	require.NoError(t, err)
	assert.True(t, set.Matches(map[string]interface{}{"code": "1"}))
	assert.False(t, set.Matches(map[string]interface{}{"code": 1}),
		`the number 1 must not equal the string "1"`)

	set, err = ParseConditions(map[string]interface{}{
		"tier": map[string]interface{}{"in": []interface{}{1.0, 2.0}},
	})
	require.NoError(t, err)
	assert.True(t, set.Matches(map[string]interface{}{"tier": 2}))
	assert.False(t, set.Matches(map[string]interface{}{"tier": "2"}))
}

func TestMatchesEmptySetAlwaysTrue(t *testing.T) {
	var set ConditionSet
	assert.True(t, set.Matches(map[string]interface{}{}))
	assert.True(t, set.Matches(nil))
}

func TestParseConditionsJSON(t *testing.T) {
	set, err := ParseConditionsJSON([]byte(`{"event":"click","n":{"gte":2}}`))
	require.NoError(t, err)
	assert.Len(t, set, 2)

	_, err = ParseConditionsJSON([]byte(`{bad json`))
	assert.Error(t, err)

	set, err = ParseConditionsJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, set)
}
