package adv

import "strings"

// FilterType selects how a topic's filter list is applied.
type FilterType string

const (
	FilterAllow FilterType = "allow"
	FilterDeny  FilterType = "deny"
)

// Wildcard matches any value.
const Wildcard = "*"

// Filter is a (MAC, AD type, AD data) pattern triple. Each pattern is exact,
// "*", "prefix*", "*suffix" or "*substring*".
type Filter struct {
	MAC    string `json:"mac" yaml:"mac"`
	ADType string `json:"adType" yaml:"adType"`
	ADData string `json:"adData" yaml:"adData"`
}

// WithDefaults returns the filter with empty patterns replaced by "*".
func (f Filter) WithDefaults() Filter {
	if f.MAC == "" {
		f.MAC = Wildcard
	}
	if f.ADType == "" {
		f.ADType = Wildcard
	}
	if f.ADData == "" {
		f.ADData = Wildcard
	}
	return f
}

// Matches reports whether the filter accepts the field for the given MAC
// (already normalized with NormalizeMAC).
func (f Filter) Matches(mac string, field Field) bool {
	return Match(f.MAC, mac) && Match(f.ADType, field.Type) && Match(f.ADData, field.Data)
}

// Match reports whether value satisfies a wildcard pattern.
func Match(pattern, value string) bool {
	if pattern == Wildcard {
		return true
	}

	leading := strings.HasPrefix(pattern, Wildcard)
	trailing := strings.HasSuffix(pattern, Wildcard)
	raw := strings.ReplaceAll(pattern, Wildcard, "")

	switch {
	case leading && trailing:
		return strings.Contains(value, raw)
	case leading:
		return strings.HasSuffix(value, raw)
	case trailing:
		return strings.HasPrefix(value, raw)
	default:
		return value == raw
	}
}

// NormalizeMAC lowercases an address and strips separators.
func NormalizeMAC(address string) string {
	mac := strings.ToLower(address)
	mac = strings.ReplaceAll(mac, ":", "")
	return strings.ReplaceAll(mac, "-", "")
}

// Allowed decides whether an advertisement passes a topic's filters.
//
// Without filters everything passes. In allow mode the first field matched
// by any filter admits the advertisement, otherwise it is rejected. In deny
// mode every field matched by some filter counts against the advertisement;
// it is rejected only when all fields matched, so a payload with no fields
// at all is rejected too.
func Allowed(filterType FilterType, filters []Filter, fields []Field, address string) bool {
	if len(filters) == 0 {
		return true
	}

	deny := filterType == FilterDeny
	mac := NormalizeMAC(address)
	matched := 0

	for _, field := range fields {
		for _, f := range filters {
			if !f.Matches(mac, field) {
				continue
			}
			if !deny {
				return true
			}
			matched++
			break
		}
	}

	if deny && matched == len(fields) {
		return false
	}
	return deny
}
