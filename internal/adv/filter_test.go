package adv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern  string
		value    string
		expected bool
	}{
		{"*", "", true},
		{"*", "anything", true},
		{"abc", "abc", true},
		{"abc", "abcd", false},
		{"*abc", "xxabc", true},
		{"*abc", "abcxx", false},
		{"abc*", "abcxx", true},
		{"abc*", "xxabc", false},
		{"*abc*", "xxabcxx", true},
		{"*abc*", "xxabxx", false},
		{"*abc*", "abc", true},
		{"ff", "ff", true},
		{"4c00*", "4c001007721f", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.expected, Match(tt.pattern, tt.value))
		})
	}
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "aabbcc112233", NormalizeMAC("AA:BB:CC:11:22:33"))
	assert.Equal(t, "aabbcc112233", NormalizeMAC("aa-bb-cc-11-22-33"))
}

func TestFilter_WithDefaults(t *testing.T) {
	f := Filter{ADType: "ff"}.WithDefaults()
	assert.Equal(t, Filter{MAC: "*", ADType: "ff", ADData: "*"}, f)
}

func TestAllowed(t *testing.T) {
	const address = "C1:5C:00:00:00:01"

	withFF := []Field{
		{Length: 2, Type: "01", Data: "06"},
		{Length: 3, Type: "ff", Data: "4c00"},
	}
	withoutFF := []Field{
		{Length: 2, Type: "01", Data: "06"},
		{Length: 3, Type: "09", Data: "4142"},
	}
	onlyFF := []Field{
		{Length: 3, Type: "ff", Data: "4c00"},
	}
	typeFF := []Filter{{MAC: "*", ADType: "ff", ADData: "*"}}

	tests := []struct {
		name       string
		filterType FilterType
		filters    []Filter
		fields     []Field
		expected   bool
	}{
		{"no filters allows everything", FilterAllow, nil, withoutFF, true},
		{"no filters allows even in deny mode", FilterDeny, nil, withoutFF, true},
		{"allow mode admits advertisement containing the type", FilterAllow, typeFF, withFF, true},
		{"allow mode rejects advertisement without the type", FilterAllow, typeFF, withoutFF, false},
		{"allow mode with no fields rejects", FilterAllow, typeFF, nil, false},
		{"allow mode checks the mac pattern", FilterAllow, []Filter{{MAC: "c15c*", ADType: "*", ADData: "*"}}, withoutFF, true},
		{"allow mode mac mismatch rejects", FilterAllow, []Filter{{MAC: "aabb*", ADType: "*", ADData: "*"}}, withFF, false},
		{"deny mode allows when only some fields match", FilterDeny, typeFF, withFF, true},
		{"deny mode denies when every field matches", FilterDeny, typeFF, onlyFF, false},
		{"deny mode allows when no field matches", FilterDeny, typeFF, withoutFF, true},
		{"deny mode denies advertisement without fields", FilterDeny, typeFF, []Field{}, false},
		{"deny mode counts a field once across several filters", FilterDeny, []Filter{
			{MAC: "*", ADType: "ff", ADData: "*"},
			{MAC: "*", ADType: "*", ADData: "4c*"},
		}, onlyFF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Allowed(tt.filterType, tt.filters, tt.fields, address))
		})
	}
}
