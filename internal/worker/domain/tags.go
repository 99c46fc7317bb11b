package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var tagSelectorDisallowed = regexp.MustCompile(`[^a-zA-Z0-9, ]`)

// SanitizeTagSelector strips every character outside [a-z0-9, ] (case-insensitive)
func SanitizeTagSelector(raw string) string {
	return tagSelectorDisallowed.ReplaceAllString(raw, "")
}

// TagSelector restricts which jobs a worker may claim. An empty selector matches everything.
type TagSelector []string

// ParseTagSelector sanitizes raw and splits it on commas.
// A selector that is empty after sanitization means "no selector".
func ParseTagSelector(raw string) TagSelector {
	return TagSelector(splitTags(SanitizeTagSelector(raw)))
}

// IsEmpty reports whether the selector places no restriction
func (s TagSelector) IsEmpty() bool {
	return len(s) == 0
}

// String returns the comma-separated wire form of the selector
func (s TagSelector) String() string {
	return strings.Join(s, ",")
}

// Matches reports whether every selector tag is present in tags
func (s TagSelector) Matches(tags Tags) bool {
	if s.IsEmpty() {
		return true
	}
	have := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		have[t] = struct{}{}
	}
	for _, want := range s {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// Tags is a job's label set. On the wire it is a comma-separated string;
// a JSON array is accepted as well when decoding.
type Tags []string

func (t Tags) String() string {
	return strings.Join(t, ",")
}

func (t Tags) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tags) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*t = nil
	case string:
		*t = splitTags(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("invalid tag value: %v", item)
			}
			out = append(out, splitTags(s)...)
		}
		*t = out
	default:
		return fmt.Errorf("invalid tags value: %s", string(data))
	}
	return nil
}

func splitTags(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
