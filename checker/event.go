package checker

import (
	"context"
	"fmt"

	moira "github.com/moira-alert/checker"
)

// compareMetricStates decides whether the transition from previous to
// current warrants an event, applying reminder, schedule and maintenance
// rules, and pushes it when it does.
func (tc *TriggerChecker) compareMetricStates(ctx context.Context, metric string, current, previous *moira.MetricState) error {
	return tc.compareStates(ctx, metric, current, previous, "")
}

// compareTriggerStates does the same for the trigger-level state carried on
// the check snapshot.
func (tc *TriggerChecker) compareTriggerStates(ctx context.Context, check *moira.CheckData) error {
	current := &moira.MetricState{
		State:          check.State,
		Timestamp:      check.Timestamp,
		EventTimestamp: check.EventTimestamp,
		Suppressed:     check.Suppressed,
	}
	previous := &moira.MetricState{
		State:          tc.lastCheck.State,
		Timestamp:      tc.lastCheck.Timestamp,
		EventTimestamp: tc.lastCheck.EventTimestamp,
		Suppressed:     tc.lastCheck.Suppressed,
	}
	err := tc.compareStates(ctx, "", current, previous, check.Message)
	check.EventTimestamp = current.EventTimestamp
	check.Suppressed = current.Suppressed
	return err
}

func (tc *TriggerChecker) compareStates(ctx context.Context, metric string, current, previous *moira.MetricState, message string) error {
	// A state observed for the first time gets its event timestamp stamped
	// even when no event is pushed, so reminders have a reference point.
	if current.EventTimestamp == 0 {
		current.EventTimestamp = previous.EventTimestamp
	}
	if current.EventTimestamp == 0 {
		current.EventTimestamp = current.Timestamp
	}

	if current.State == previous.State {
		interval, remindable := tc.config.BadStatesReminder[current.State]
		elapsed := remindable && previous.EventTimestamp != 0 &&
			current.Timestamp-previous.EventTimestamp >= interval
		// A bad state that was suppressed still owes its event once the
		// suppression window ends.
		suppressedBad := previous.Suppressed && current.State != moira.OK
		if !elapsed && !suppressedBad {
			return nil
		}
		if elapsed && message == "" {
			message = fmt.Sprintf(
				"This metric has been in bad state for more than %d hours - please, fix.",
				interval/3600)
		}
	}

	current.EventTimestamp = current.Timestamp
	previous.EventTimestamp = current.Timestamp
	current.Suppressed = false

	// Recovery out of a suppressed bad state always surfaces.
	recovery := previous.Suppressed && current.State == moira.OK
	if !recovery {
		if tc.trigger.Schedule != nil && !tc.trigger.Schedule.IsAllowed(current.Timestamp) {
			current.Suppressed = true
			return nil
		}
		if tc.maintenance >= current.Timestamp || current.Maintenance >= current.Timestamp {
			current.Suppressed = true
			return nil
		}
	}

	event := &moira.Event{
		TriggerID: tc.triggerID,
		Metric:    metric,
		State:     current.State,
		OldState:  previous.State,
		Timestamp: current.Timestamp,
		Value:     current.Value,
		Message:   message,
	}
	return tc.database.PushEvent(ctx, event, true)
}
