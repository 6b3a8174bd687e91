package resolver

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/dmitrijs2005/gophsync/internal/common"
)

// UnionStrings merges two JSON string arrays into their sorted union.
var UnionStrings = Typed(func(_ context.Context, older, newer []string) ([]string, error) {
	seen := make(map[string]struct{}, len(older)+len(newer))
	out := make([]string, 0, len(older)+len(newer))
	for _, s := range append(older, newer...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
})

// MergeObjects merges two JSON objects field by field. Fields present in
// both take the newer value. Anything but two objects declines.
func MergeObjects(_ context.Context, older, newer json.RawMessage) (json.RawMessage, error) {
	var a, b map[string]json.RawMessage
	if err := json.Unmarshal(older, &a); err != nil || a == nil {
		return nil, common.ErrConflictUnresolved
	}
	if err := json.Unmarshal(newer, &b); err != nil || b == nil {
		return nil, common.ErrConflictUnresolved
	}
	for k, v := range b {
		a[k] = v
	}
	return json.Marshal(a)
}
