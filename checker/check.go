package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	moira "github.com/moira-alert/checker"
	"github.com/moira-alert/checker/expression"
	"github.com/moira-alert/checker/target"
)

const cleanupCacheTTL = 60 * time.Second

// Check runs one full evaluation under the trigger check lock. Evaluation
// failures are absorbed into an EXCEPTION snapshot; store failures propagate
// so the caller can retry.
func (tc *TriggerChecker) Check(ctx context.Context) error {
	if tc.trigger == nil {
		return nil
	}
	if err := tc.database.AcquireTriggerCheckLock(ctx, tc.triggerID, tc.config.LockTimeout); err != nil {
		return err
	}
	defer func() {
		_ = tc.database.DeleteTriggerCheckLock(ctx, tc.triggerID)
	}()

	check := &moira.CheckData{
		State:          moira.OK,
		Timestamp:      tc.until,
		EventTimestamp: tc.lastCheck.EventTimestamp,
		Suppressed:     tc.lastCheck.Suppressed,
		Metrics:        copyMetricStates(tc.lastCheck.Metrics),
	}

	triggerEvent, err := tc.handleTrigger(ctx, check)
	if err != nil {
		if !isEvaluationError(err) {
			return err
		}
		tc.logger.Warn("trigger check failed",
			"trigger_id", tc.triggerID, "error", err)
		check.State = moira.EXCEPTION
		check.Message = "Trigger evaluation exception"
		triggerEvent = true
	}

	// The trigger-level state only produces events on the no-metrics and
	// exception paths; a quiet OK check never announces itself.
	if triggerEvent {
		if err := tc.compareTriggerStates(ctx, check); err != nil {
			return err
		}
	}
	check.UpdateScore()
	return tc.database.SetTriggerLastCheck(ctx, tc.triggerID, check)
}

func copyMetricStates(metrics map[string]*moira.MetricState) map[string]*moira.MetricState {
	out := make(map[string]*moira.MetricState, len(metrics))
	for name, state := range metrics {
		copied := *state
		out[name] = &copied
	}
	return out
}

func isEvaluationError(err error) bool {
	var coded moira.Error
	if !errors.As(err, &coded) {
		return false
	}
	switch coded.Code {
	case moira.TargetParseFailure, moira.EvaluationFailure, moira.ExpressionRejected:
		return true
	}
	return false
}

func (tc *TriggerChecker) handleTrigger(ctx context.Context, check *moira.CheckData) (bool, error) {
	window := tc.ttl
	if window < minFetchWindow {
		window = minFetchWindow
	}
	tctx := target.NewContext(ctx, tc.database, tc.cache, tc.from-window, tc.until, tc.trigger.IsSimple())

	subjects, others, err := tc.evaluateTargets(tctx)
	if err != nil {
		return false, err
	}

	for _, metric := range tctx.Metrics() {
		tc.cleanupMetric(ctx, metric)
	}

	if len(subjects) == 0 {
		if tc.ttl > 0 {
			check.State = moira.ToMetricState(tc.ttlState)
			check.Message = "Trigger has no metrics"
			return true, nil
		}
		return false, nil
	}

	// Every fetched series owns an entry in the metrics map, including the
	// single series of the non-first targets.
	for _, series := range subjects {
		tc.seedMetricState(check, series)
	}
	for _, series := range others {
		tc.seedMetricState(check, series)
	}

	for _, series := range subjects {
		if err := tc.checkSeries(ctx, check, series, others); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (tc *TriggerChecker) seedMetricState(check *moira.CheckData, series *target.TimeSeries) {
	if _, ok := check.Metrics[series.Name]; !ok {
		check.Metrics[series.Name] = &moira.MetricState{
			State:     moira.NODATA,
			Timestamp: series.Start - checkPointGap,
		}
	}
}

// evaluateTargets resolves every target. The first target's real series are
// the subjects of the check; each further target must reduce to exactly one
// series, referenced as t2, t3... by user expressions.
func (tc *TriggerChecker) evaluateTargets(tctx *target.Context) ([]*target.TimeSeries, []*target.TimeSeries, error) {
	var subjects, others []*target.TimeSeries
	for i, expr := range tc.trigger.Targets {
		value, err := target.EvaluateTarget(tctx, expr)
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			for _, series := range value.Series {
				if !series.Stub {
					subjects = append(subjects, series)
				}
			}
			continue
		}
		if len(value.Series) != 1 {
			return nil, nil, moira.Error{Code: moira.EvaluationFailure,
				Err: fmt.Errorf("target t%d resolves to %d series, exactly one expected", i+1, len(value.Series))}
		}
		others = append(others, value.Series[0])
	}
	return subjects, others, nil
}

// cleanupMetric trims samples older than the metrics TTL, at most once per
// metric per cache window.
func (tc *TriggerChecker) cleanupMetric(ctx context.Context, metric string) {
	horizon := tc.until - tc.config.MetricsTTL
	trim := func() (any, error) {
		return nil, tc.database.CleanupMetricValues(ctx, metric, horizon)
	}
	var err error
	if tc.cache == nil {
		_, err = trim()
	} else {
		_, err = tc.cache.Do("cleanup:"+metric, cleanupCacheTTL, trim)
	}
	if err != nil {
		tc.logger.Warn("metric cleanup failed", "metric", metric, "error", err)
	}
}

func (tc *TriggerChecker) checkSeries(ctx context.Context, check *moira.CheckData, series *target.TimeSeries, others []*target.TimeSeries) error {
	state := check.Metrics[series.Name]
	checkpoint := state.Timestamp - checkPointGap
	if state.EventTimestamp > checkpoint {
		checkpoint = state.EventTimestamp
	}

	for ts := series.Start; ts <= tc.until; ts += series.Step {
		if ts <= checkpoint {
			continue
		}
		v := series.ValueAt(ts)
		if v == nil {
			continue
		}
		values := map[string]float64{"t1": *v}
		complete := true
		for i, other := range others {
			ov := other.ValueAt(ts)
			if ov == nil {
				complete = false
				break
			}
			values[fmt.Sprintf("t%d", i+2)] = *ov
		}
		if !complete {
			continue
		}

		expr := expression.TriggerExpression{
			Expression:    tc.trigger.Expression,
			WarnValue:     tc.trigger.WarnValue,
			ErrorValue:    tc.trigger.ErrorValue,
			PreviousState: state.State,
			Values:        values,
		}
		nextState, err := expr.Evaluate()
		if err != nil {
			return err
		}

		value := *v
		current := &moira.MetricState{
			State:          nextState,
			Timestamp:      ts,
			Value:          &value,
			EventTimestamp: state.EventTimestamp,
			Suppressed:     state.Suppressed,
			Maintenance:    state.Maintenance,
		}
		if err := tc.compareMetricStates(ctx, series.Name, current, state); err != nil {
			return err
		}
		check.Metrics[series.Name] = current
		state = current

		// Echo the decision onto the non-first targets' series. A DEL
		// cleanup for an earlier stale subject drops the shared entries, so
		// re-seed before writing.
		for i, other := range others {
			echo := check.Metrics[other.Name]
			if echo == nil {
				echo = &moira.MetricState{}
				check.Metrics[other.Name] = echo
			}
			echo.State = nextState
			echo.Timestamp = ts
			ov := values[fmt.Sprintf("t%d", i+2)]
			echo.Value = &ov
		}
	}

	return tc.handleStaleSeries(ctx, check, series, others, state)
}

// handleStaleSeries applies the TTL policy when the metric stopped coming in
// before the previous check.
func (tc *TriggerChecker) handleStaleSeries(ctx context.Context, check *moira.CheckData, series *target.TimeSeries, others []*target.TimeSeries, state *moira.MetricState) error {
	if tc.ttl <= 0 || state.Timestamp+tc.ttl >= tc.lastCheck.Timestamp {
		return nil
	}
	tc.logger.Info("metric ttl expired",
		"trigger_id", tc.triggerID, "metric", series.Name, "state", state.State)

	if tc.ttlState == moira.DEL && state.EventTimestamp != 0 {
		delete(check.Metrics, series.Name)
		for _, other := range others {
			delete(check.Metrics, other.Name)
		}
		for _, pattern := range tc.trigger.Patterns {
			if err := tc.database.RemovePatternMetrics(ctx, pattern); err != nil {
				return err
			}
		}
		return nil
	}

	current := &moira.MetricState{
		State:          moira.ToMetricState(tc.ttlState),
		Timestamp:      tc.lastCheck.Timestamp - tc.ttl,
		EventTimestamp: state.EventTimestamp,
		Suppressed:     state.Suppressed,
		Maintenance:    state.Maintenance,
	}
	if err := tc.compareMetricStates(ctx, series.Name, current, state); err != nil {
		return err
	}
	check.Metrics[series.Name] = current
	return nil
}
