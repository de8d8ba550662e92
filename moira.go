// Package moira holds the domain model shared by the checker, the target
// evaluator and the Redis-backed store: trigger documents, check snapshots,
// events and the persistence port.
package moira

// Trigger and metric states, persisted as strings.
const (
	OK        = "OK"
	WARN      = "WARN"
	ERROR     = "ERROR"
	NODATA    = "NODATA"
	EXCEPTION = "EXCEPTION"
	DEL       = "DEL"
)

// StateScores ranks states by severity. The per-trigger score is the sum of
// the per-metric scores plus the trigger-level score.
var StateScores = map[string]int64{
	OK:        0,
	DEL:       0,
	WARN:      1,
	ERROR:     100,
	NODATA:    1000,
	EXCEPTION: 100000,
}

// ToMetricState maps the DEL pseudo-state to the state actually stored on a
// metric. DEL only exists as a ttl_state directive.
func ToMetricState(state string) string {
	if state == DEL {
		return NODATA
	}
	return state
}

// StateScore returns the severity score of a state. Unknown states score 0.
func StateScore(state string) int64 {
	return StateScores[state]
}
