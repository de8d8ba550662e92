package moira

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Trigger is the stored alert definition. Thresholds and TTL tolerate both
// numeric and quoted-numeric JSON encodings, older documents carry either.
type Trigger struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Desc       string    `json:"desc,omitempty"`
	Targets    []string  `json:"targets"`
	WarnValue  *float64  `json:"warn_value"`
	ErrorValue *float64  `json:"error_value"`
	Expression string    `json:"expression,omitempty"`
	TTL        int64     `json:"ttl,omitempty"`
	TTLState   string    `json:"ttl_state,omitempty"`
	Tags       []string  `json:"tags"`
	Schedule   *Schedule `json:"sched,omitempty"`
	Patterns   []string  `json:"patterns"`
}

type rawTrigger struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Desc       string          `json:"desc,omitempty"`
	Targets    []string        `json:"targets"`
	WarnValue  json.RawMessage `json:"warn_value"`
	ErrorValue json.RawMessage `json:"error_value"`
	Expression string          `json:"expression,omitempty"`
	TTL        json.RawMessage `json:"ttl,omitempty"`
	TTLState   string          `json:"ttl_state,omitempty"`
	Tags       []string        `json:"tags"`
	Schedule   *Schedule       `json:"sched,omitempty"`
	Patterns   []string        `json:"patterns"`
}

// UnmarshalJSON normalizes threshold and TTL fields the way the stored
// documents require: floats for thresholds, integer seconds for TTL,
// string-encoded numbers accepted everywhere.
func (t *Trigger) UnmarshalJSON(data []byte) error {
	var raw rawTrigger
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.ID = raw.ID
	t.Name = raw.Name
	t.Desc = raw.Desc
	t.Targets = raw.Targets
	t.Expression = raw.Expression
	t.TTLState = raw.TTLState
	t.Tags = raw.Tags
	t.Schedule = raw.Schedule
	t.Patterns = raw.Patterns

	var err error
	if t.WarnValue, err = parseFlexFloat(raw.WarnValue); err != nil {
		return fmt.Errorf("warn_value: %w", err)
	}
	if t.ErrorValue, err = parseFlexFloat(raw.ErrorValue); err != nil {
		return fmt.Errorf("error_value: %w", err)
	}
	ttl, err := parseFlexFloat(raw.TTL)
	if err != nil {
		return fmt.Errorf("ttl: %w", err)
	}
	if ttl != nil {
		t.TTL = int64(*ttl)
	}
	return nil
}

func parseFlexFloat(raw json.RawMessage) (*float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// IsSimple reports whether the trigger references exactly one pattern without
// glob constructs. Simple triggers are checked in real time, the partial last
// bucket of their series is not withheld.
func (t *Trigger) IsSimple() bool {
	if len(t.Patterns) != 1 || len(t.Targets) != 1 {
		return false
	}
	return !strings.ContainsAny(t.Patterns[0], "*?{[")
}

// ScheduleDay is one weekday toggle inside a Schedule, Monday first.
type ScheduleDay struct {
	Enabled bool   `json:"enabled"`
	Name    string `json:"name"`
}

// Schedule restricts event emission to a weekly window. Offsets are minutes
// from local midnight, TZOffset is minutes subtracted from UTC.
type Schedule struct {
	Days        []ScheduleDay `json:"days"`
	StartOffset int64         `json:"startOffset"`
	EndOffset   int64         `json:"endOffset"`
	TZOffset    int64         `json:"tzOffset"`
}

// IsAllowed reports whether an event at the given epoch may be emitted.
func (s *Schedule) IsAllowed(ts int64) bool {
	if s == nil || len(s.Days) != 7 {
		return true
	}
	local := ts - ts%60 - s.TZOffset*60
	// Epoch day zero was a Thursday, shift to a Monday-based index.
	day := ((local / 86400) + 3) % 7
	if day < 0 {
		day += 7
	}
	if !s.Days[day].Enabled {
		return false
	}
	dayStart := local - local%86400
	if local < dayStart+s.StartOffset*60 {
		return false
	}
	if local > dayStart+s.EndOffset*60 {
		return false
	}
	return true
}
