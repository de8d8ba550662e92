// Package mocks provides an in-memory moira.Database for tests. Behavior
// mirrors the Redis implementation closely enough for checker and evaluator
// tests to run without a server.
package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	moira "github.com/moira-alert/checker"
)

type Database struct {
	mu sync.Mutex

	triggers        map[string]string // id -> JSON document
	patterns        map[string]bool
	patternTriggers map[string]map[string]bool
	patternMetrics  map[string]map[string]bool
	metricValues    map[string][]moira.MetricValue
	retention       map[string]int64
	lastChecks      map[string]string // id -> JSON snapshot
	events          []*moira.Event    // newest first
	toCheck         map[string]bool
	locks           map[string]bool
	tagMaintenance  map[string]int64
	metricEvents    chan moira.MetricEvent
}

var _ moira.Database = (*Database)(nil)

func NewDatabase() *Database {
	return &Database{
		triggers:        map[string]string{},
		patterns:        map[string]bool{},
		patternTriggers: map[string]map[string]bool{},
		patternMetrics:  map[string]map[string]bool{},
		metricValues:    map[string][]moira.MetricValue{},
		retention:       map[string]int64{},
		lastChecks:      map[string]string{},
		toCheck:         map[string]bool{},
		locks:           map[string]bool{},
		tagMaintenance:  map[string]int64{},
		metricEvents:    make(chan moira.MetricEvent, 64),
	}
}

func (db *Database) GetTrigger(ctx context.Context, id string) (*moira.Trigger, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	raw, ok := db.triggers[id]
	if !ok {
		return nil, nil
	}
	var trigger moira.Trigger
	if err := json.Unmarshal([]byte(raw), &trigger); err != nil {
		return nil, err
	}
	trigger.ID = id
	sort.Strings(trigger.Tags)
	return &trigger, nil
}

func (db *Database) SaveTrigger(ctx context.Context, id string, trigger *moira.Trigger) error {
	existing, err := db.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	trigger.ID = id
	payload, err := json.Marshal(trigger)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.triggers[id] = string(payload)
	for _, pattern := range trigger.Patterns {
		db.patterns[pattern] = true
		addMember(db.patternTriggers, pattern, id)
	}
	var removed []string
	if existing != nil {
		kept := map[string]bool{}
		for _, pattern := range trigger.Patterns {
			kept[pattern] = true
		}
		for _, pattern := range existing.Patterns {
			if !kept[pattern] {
				delMember(db.patternTriggers, pattern, id)
				removed = append(removed, pattern)
			}
		}
	}
	db.mu.Unlock()
	return db.cleanupOrphans(removed)
}

func (db *Database) RemoveTrigger(ctx context.Context, id string) error {
	existing, err := db.GetTrigger(ctx, id)
	if err != nil || existing == nil {
		return err
	}
	db.mu.Lock()
	delete(db.triggers, id)
	delete(db.lastChecks, id)
	delete(db.toCheck, id)
	for _, pattern := range existing.Patterns {
		delMember(db.patternTriggers, pattern, id)
	}
	db.mu.Unlock()
	return db.cleanupOrphans(existing.Patterns)
}

func (db *Database) cleanupOrphans(patterns []string) error {
	ctx := context.Background()
	for _, pattern := range patterns {
		triggers, _ := db.GetPatternTriggers(ctx, pattern)
		if len(triggers) > 0 {
			continue
		}
		_ = db.RemovePattern(ctx, pattern)
		metrics, _ := db.GetPatternMetrics(ctx, pattern)
		for _, metric := range metrics {
			_ = db.RemoveMetricValues(ctx, metric)
		}
		_ = db.RemovePatternMetrics(ctx, pattern)
	}
	return nil
}

func (db *Database) GetTriggerIDs(ctx context.Context) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ids := make([]string, 0, len(db.triggers))
	for id := range db.triggers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (db *Database) GetPatterns(ctx context.Context) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	patterns := make([]string, 0, len(db.patterns))
	for p := range db.patterns {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns, nil
}

func (db *Database) RemovePattern(ctx context.Context, pattern string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.patterns, pattern)
	return nil
}

func (db *Database) GetPatternTriggers(ctx context.Context, pattern string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return sortedMembers(db.patternTriggers[pattern]), nil
}

func (db *Database) AddPatternMetric(ctx context.Context, pattern, metric string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	addMember(db.patternMetrics, pattern, metric)
	return nil
}

func (db *Database) GetPatternMetrics(ctx context.Context, pattern string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return sortedMembers(db.patternMetrics[pattern]), nil
}

func (db *Database) RemovePatternMetrics(ctx context.Context, pattern string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.patternMetrics, pattern)
	return nil
}

func (db *Database) GetMetricsValues(ctx context.Context, metrics []string, from, until int64) (map[string][]moira.MetricValue, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	result := make(map[string][]moira.MetricValue, len(metrics))
	for _, metric := range metrics {
		var values []moira.MetricValue
		for _, v := range db.metricValues[metric] {
			if v.Timestamp >= from && v.Timestamp <= until {
				values = append(values, v)
			}
		}
		result[metric] = values
	}
	return result, nil
}

func (db *Database) SaveMetricValue(ctx context.Context, pattern, metric string, ts int64, value float64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	addMember(db.patternMetrics, pattern, metric)
	values := db.metricValues[metric]
	values = append(values, moira.MetricValue{Timestamp: ts, Value: value})
	sort.Slice(values, func(i, j int) bool { return values[i].Timestamp < values[j].Timestamp })
	db.metricValues[metric] = values
	return nil
}

func (db *Database) RemoveMetricValues(ctx context.Context, metric string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.metricValues, metric)
	delete(db.retention, metric)
	return nil
}

func (db *Database) CleanupMetricValues(ctx context.Context, metric string, toTime int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var kept []moira.MetricValue
	for _, v := range db.metricValues[metric] {
		if v.Timestamp > toTime {
			kept = append(kept, v)
		}
	}
	db.metricValues[metric] = kept
	return nil
}

func (db *Database) GetMetricRetention(ctx context.Context, metric string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if r, ok := db.retention[metric]; ok {
		return r, nil
	}
	return 60, nil
}

// SetMetricRetention overrides the retention of a metric, test helper.
func (db *Database) SetMetricRetention(metric string, retention int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.retention[metric] = retention
}

func (db *Database) GetTriggerLastCheck(ctx context.Context, id string) (*moira.CheckData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	raw, ok := db.lastChecks[id]
	if !ok {
		return nil, nil
	}
	var check moira.CheckData
	if err := json.Unmarshal([]byte(raw), &check); err != nil {
		return nil, err
	}
	if check.Metrics == nil {
		check.Metrics = map[string]*moira.MetricState{}
	}
	return &check, nil
}

func (db *Database) SetTriggerLastCheck(ctx context.Context, id string, check *moira.CheckData) error {
	payload, err := json.Marshal(check)
	if err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.lastChecks[id] = string(payload)
	return nil
}

// SetTriggerMetricsMaintenance patches the snapshot under the store lock, the
// read-modify-write is atomic like the Redis Watch loop it stands in for.
func (db *Database) SetTriggerMetricsMaintenance(ctx context.Context, id string, until map[string]int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	raw, ok := db.lastChecks[id]
	if !ok {
		return nil
	}
	var check moira.CheckData
	if err := json.Unmarshal([]byte(raw), &check); err != nil {
		return err
	}
	for metric, ts := range until {
		if state, ok := check.Metrics[metric]; ok {
			state.Maintenance = ts
		}
	}
	payload, err := json.Marshal(&check)
	if err != nil {
		return err
	}
	db.lastChecks[id] = string(payload)
	return nil
}

func (db *Database) AddTriggerCheck(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.toCheck[id] = true
	return nil
}

func (db *Database) GetTriggerToCheck(ctx context.Context) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id := range db.toCheck {
		delete(db.toCheck, id)
		return id, nil
	}
	return "", nil
}

func (db *Database) SetTriggerCheckLock(ctx context.Context, id string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.locks[id] {
		return false, nil
	}
	db.locks[id] = true
	return true, nil
}

func (db *Database) AcquireTriggerCheckLock(ctx context.Context, id string, timeout time.Duration) error {
	acquired, err := db.SetTriggerCheckLock(ctx, id)
	if err != nil {
		return err
	}
	if !acquired {
		return moira.Error{Code: moira.LockAcquisitionFailure,
			Err: fmt.Errorf("trigger %s check lock is held", id)}
	}
	return nil
}

func (db *Database) DeleteTriggerCheckLock(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.locks, id)
	return nil
}

func (db *Database) PushEvent(ctx context.Context, event *moira.Event, ui bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.events = append([]*moira.Event{event}, db.events...)
	return nil
}

// GetEvents pages the global log newest first; triggerID filters it.
func (db *Database) GetEvents(ctx context.Context, triggerID string, start, size int64) ([]*moira.Event, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var filtered []*moira.Event
	for _, e := range db.events {
		if triggerID == "" || e.TriggerID == triggerID {
			filtered = append(filtered, e)
		}
	}
	if start >= int64(len(filtered)) {
		return nil, nil
	}
	end := start + size
	if end > int64(len(filtered)) {
		end = int64(len(filtered))
	}
	return filtered[start:end], nil
}

func (db *Database) GetTagMaintenance(ctx context.Context, tag string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tagMaintenance[tag], nil
}

// SetTagMaintenance mutes triggers carrying the tag until ts, test helper.
func (db *Database) SetTagMaintenance(tag string, ts int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tagMaintenance[tag] = ts
}

func (db *Database) SubscribeMetricEvents(ctx context.Context) (<-chan moira.MetricEvent, error) {
	out := make(chan moira.MetricEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-db.metricEvents:
				if !ok {
					return
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PublishMetricEvent feeds the subscription, test helper.
func (db *Database) PublishMetricEvent(event moira.MetricEvent) {
	db.metricEvents <- event
}

// CloseMetricEvents ends the subscription stream, test helper.
func (db *Database) CloseMetricEvents() {
	close(db.metricEvents)
}

func addMember(sets map[string]map[string]bool, key, member string) {
	set, ok := sets[key]
	if !ok {
		set = map[string]bool{}
		sets[key] = set
	}
	set[member] = true
}

func delMember(sets map[string]map[string]bool, key, member string) {
	if set, ok := sets[key]; ok {
		delete(set, member)
	}
}

func sortedMembers(set map[string]bool) []string {
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}
