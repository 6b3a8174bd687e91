package resolver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnionStrings(t *testing.T) {
	got, err := UnionStrings(context.Background(), json.RawMessage(`["b","a"]`), json.RawMessage(`["c","a"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b","c"]`, string(got))

	_, err = UnionStrings(context.Background(), json.RawMessage(`{"a":1}`), json.RawMessage(`["a"]`))
	assert.ErrorIs(t, err, common.ErrConflictUnresolved)
}

func TestMergeObjects(t *testing.T) {
	tests := []struct {
		name         string
		older, newer string
		want         string
		declines     bool
	}{
		{"disjoint fields", `{"a":1}`, `{"b":2}`, `{"a":1,"b":2}`, false},
		{"newer wins", `{"a":1,"b":1}`, `{"b":2}`, `{"a":1,"b":2}`, false},
		{"array", `[1]`, `{"b":2}`, "", true},
		{"null", `{"a":1}`, `null`, "", true},
		{"scalar", `"x"`, `"y"`, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MergeObjects(context.Background(), json.RawMessage(tc.older), json.RawMessage(tc.newer))
			if tc.declines {
				assert.ErrorIs(t, err, common.ErrConflictUnresolved)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestRegistry_BuiltinsAsFallback(t *testing.T) {
	r := New(logging.NewNoopLogger())
	require.NoError(t, r.Register("set", UnionStrings))
	r.AddFallback(MergeObjects)

	got, err := r.Resolve(context.Background(), "set", json.RawMessage(`["x"]`), json.RawMessage(`["y"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `["x","y"]`, string(got))

	got, err = r.Resolve(context.Background(), "profile", json.RawMessage(`{"a":1}`), json.RawMessage(`{"b":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(got))

	_, err = r.Resolve(context.Background(), "note", json.RawMessage(`"x"`), json.RawMessage(`"y"`))
	assert.ErrorIs(t, err, common.ErrConflictUnresolved)
}
