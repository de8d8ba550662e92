package moira

// MetricState is the authoritative per-metric point a check decision is made
// against. EventTimestamp is the moment the last event was emitted (or
// suppressed) for this metric; Maintenance is an epoch until which events are
// muted.
type MetricState struct {
	State          string   `json:"state"`
	Timestamp      int64    `json:"timestamp"`
	EventTimestamp int64    `json:"event_timestamp,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	Suppressed     bool     `json:"suppressed,omitempty"`
	Maintenance    int64    `json:"maintenance,omitempty"`
}

// CheckData is the per-trigger snapshot written after every check. The
// trigger-level state carries its own event bookkeeping, separate from the
// per-metric ones.
type CheckData struct {
	Timestamp      int64                   `json:"timestamp,omitempty"`
	State          string                  `json:"state"`
	Score          int64                   `json:"score"`
	Message        string                  `json:"msg,omitempty"`
	EventTimestamp int64                   `json:"event_timestamp,omitempty"`
	Suppressed     bool                    `json:"suppressed,omitempty"`
	Metrics        map[string]*MetricState `json:"metrics"`
}

// UpdateScore recomputes the snapshot score from the metric states and the
// trigger-level state.
func (c *CheckData) UpdateScore() int64 {
	c.Score = StateScore(c.State)
	for _, m := range c.Metrics {
		c.Score += StateScore(m.State)
	}
	return c.Score
}

// Event is one state transition appended to the event log. Metric is empty
// for trigger-level events (no data, evaluation failure).
type Event struct {
	TriggerID string   `json:"trigger_id"`
	Metric    string   `json:"metric,omitempty"`
	State     string   `json:"state"`
	OldState  string   `json:"old_state"`
	Timestamp int64    `json:"timestamp"`
	Value     *float64 `json:"value,omitempty"`
	Message   string   `json:"msg,omitempty"`
}

// MetricValue is one stored sample. Timestamp is the sorted-set score the
// sample was filed under, Value the parsed numeric payload.
type MetricValue struct {
	Timestamp int64
	Value     float64
}
