// Package profile holds the visitor profile document returned by the
// visitor service and its on-disk cache.
package profile

import (
	"bytes"
	"strings"

	json "github.com/goccy/go-json"
	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
)

// TotalEventCountMetric is the metric id the visitor service uses for
// the visitor's lifetime event count.
const TotalEventCountMetric = "22"

// Profile is a visitor profile as served by the visitor service.
type Profile struct {
	Audiences     map[string]string    `json:"audiences,omitempty"`
	Badges        map[string]bool      `json:"badges,omitempty"`
	Dates         map[string]int64     `json:"dates,omitempty"`
	Flags         map[string]bool      `json:"flags,omitempty"`
	Metrics       map[string]float64   `json:"metrics,omitempty"`
	Properties    map[string]string    `json:"properties,omitempty"`
	FlagLists     map[string][]bool    `json:"flag_lists,omitempty"`
	MetricLists   map[string][]float64 `json:"metric_lists,omitempty"`
	PropertyLists map[string][]string  `json:"property_lists,omitempty"`
	PropertySets  map[string][]string  `json:"property_sets,omitempty"`
	CurrentVisit  *Visit               `json:"current_visit,omitempty"`
}

// Visit is the current-session slice of a profile.
type Visit struct {
	CreatedAt       int64                `json:"creation_ts,omitempty"`
	TotalEventCount int                  `json:"total_event_count,omitempty"`
	Dates           map[string]int64     `json:"dates,omitempty"`
	Flags           map[string]bool      `json:"flags,omitempty"`
	Metrics         map[string]float64   `json:"metrics,omitempty"`
	Properties      map[string]string    `json:"properties,omitempty"`
	FlagLists       map[string][]bool    `json:"flag_lists,omitempty"`
	MetricLists     map[string][]float64 `json:"metric_lists,omitempty"`
	PropertyLists   map[string][]string  `json:"property_lists,omitempty"`
	PropertySets    map[string][]string  `json:"property_sets,omitempty"`
}

// TotalEventCount returns the tracked lifetime event counter, 0 when
// the profile has not been populated.
func (p *Profile) TotalEventCount() int {
	if p == nil {
		return 0
	}
	return int(p.Metrics[TotalEventCountMetric])
}

// SameCounter reports whether two profiles agree on the tracked
// counter. The refresh loop treats agreement as a stale fetch.
func SameCounter(a, b *Profile) bool {
	return a.TotalEventCount() == b.TotalEventCount()
}

// Decode parses a visitor service response.
// Empty bodies and "{}" yield ErrNoData; malformed JSON yields a
// DecodeError.
func Decode(data []byte) (*Profile, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || isEmptyObject(trimmed) {
		return nil, berrors.ErrNoData
	}

	var p Profile
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, &berrors.DecodeError{Input: truncate(string(trimmed), 256), Err: err}
	}
	return &p, nil
}

// Encode serializes a profile for the cache file.
func Encode(p *Profile) ([]byte, error) {
	return json.Marshal(p)
}

func isEmptyObject(b []byte) bool {
	if b[0] != '{' || b[len(b)-1] != '}' {
		return false
	}
	return strings.TrimSpace(string(b[1:len(b)-1])) == ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
