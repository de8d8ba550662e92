package checker

import (
	"context"
	"io"
	log "log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	moira "github.com/moira-alert/checker"
	"github.com/moira-alert/checker/mocks"
)

// base is an epoch aligned to a day boundary so retention buckets land where
// the assertions expect them.
const base int64 = 1499990400

func testLogger() *log.Logger {
	return log.New(log.NewTextHandler(io.Discard, nil))
}

func fptr(v float64) *float64 {
	return &v
}

func saveTrigger(t *testing.T, db *mocks.Database, id string, trigger *moira.Trigger) {
	t.Helper()
	require.NoError(t, db.SaveTrigger(context.Background(), id, trigger))
}

func sendSample(t *testing.T, db *mocks.Database, pattern, metric string, ts int64, value float64) {
	t.Helper()
	require.NoError(t, db.SaveMetricValue(context.Background(), pattern, metric, ts, value))
}

func runCheck(t *testing.T, db *mocks.Database, triggerID string, now int64) {
	t.Helper()
	ctx := context.Background()
	tc, err := NewTriggerChecker(ctx, db, testLogger(), nil, DefaultConfig(), triggerID, 0, now)
	require.NoError(t, err)
	require.NotNil(t, tc)
	require.NoError(t, tc.Check(ctx))
}

func lastCheckOf(t *testing.T, db *mocks.Database, triggerID string) *moira.CheckData {
	t.Helper()
	check, err := db.GetTriggerLastCheck(context.Background(), triggerID)
	require.NoError(t, err)
	require.NotNil(t, check)
	return check
}

func eventsOf(t *testing.T, db *mocks.Database, triggerID string) []*moira.Event {
	t.Helper()
	events, err := db.GetEvents(context.Background(), triggerID, 0, 100)
	require.NoError(t, err)
	return events
}

func assertMetric(t *testing.T, check *moira.CheckData, name, state string, value *float64) {
	t.Helper()
	ms, ok := check.Metrics[name]
	require.True(t, ok, "metric %s has no state", name)
	assert.Equal(t, state, ms.State, "metric %s state", name)
	if value == nil {
		assert.Nil(t, ms.Value, "metric %s value", name)
	} else {
		require.NotNil(t, ms.Value, "metric %s value", name)
		assert.Equal(t, *value, *ms.Value, "metric %s value", name)
	}
}

func TestCheckSimpleTriggerRealtime(t *testing.T) {
	db := mocks.NewDatabase()
	metric := "metric.one"
	saveTrigger(t, db, "simple", &moira.Trigger{
		Name: "cpu load", Targets: []string{metric}, Patterns: []string{metric},
		WarnValue: fptr(60), ErrorValue: fptr(90), TTL: 600,
	})

	sendSample(t, db, metric, metric, base-60, 10)
	runCheck(t, db, "simple", base)
	assertMetric(t, lastCheckOf(t, db, "simple"), metric, moira.OK, fptr(10))

	// A simple trigger sees the still-open bucket immediately.
	sendSample(t, db, metric, metric, base, 100)
	runCheck(t, db, "simple", base)

	check := lastCheckOf(t, db, "simple")
	assertMetric(t, check, metric, moira.ERROR, fptr(100))

	events := eventsOf(t, db, "simple")
	require.Len(t, events, 2)
	assert.Equal(t, moira.ERROR, events[0].State)
	assert.Equal(t, moira.OK, events[0].OldState)
	assert.Equal(t, metric, events[0].Metric)
	require.NotNil(t, events[0].Value)
	assert.Equal(t, float64(100), *events[0].Value)
	assert.Equal(t, moira.OK, events[1].State)
	assert.Equal(t, moira.NODATA, events[1].OldState)
}

func TestCheckComplexTriggerHoldsOpenBucket(t *testing.T) {
	db := mocks.NewDatabase()
	pattern := "metric.*"
	metric := "metric.one"
	saveTrigger(t, db, "complex", &moira.Trigger{
		Name: "cpu load", Targets: []string{pattern}, Patterns: []string{pattern},
		WarnValue: fptr(60), ErrorValue: fptr(90), TTL: 600,
	})

	sendSample(t, db, pattern, metric, base-60, 10)
	runCheck(t, db, "complex", base)
	assertMetric(t, lastCheckOf(t, db, "complex"), metric, moira.OK, fptr(10))

	// The bucket at base is still open, so the bad value waits a cycle.
	sendSample(t, db, pattern, metric, base, 100)
	runCheck(t, db, "complex", base)
	assertMetric(t, lastCheckOf(t, db, "complex"), metric, moira.OK, fptr(10))

	runCheck(t, db, "complex", base+60)
	assertMetric(t, lastCheckOf(t, db, "complex"), metric, moira.ERROR, fptr(100))
}

func TestCheckSingleEventPerTransition(t *testing.T) {
	db := mocks.NewDatabase()
	metric := "metric.one"
	saveTrigger(t, db, "once", &moira.Trigger{
		Name: "t", Targets: []string{metric}, Patterns: []string{metric},
		WarnValue: fptr(60), ErrorValue: fptr(90), TTL: 600,
	})
	sendSample(t, db, metric, metric, base-180, 1000)
	sendSample(t, db, metric, metric, base-60, 1000)

	runCheck(t, db, "once", base)
	runCheck(t, db, "once", base)
	runCheck(t, db, "once", base)

	events := eventsOf(t, db, "once")
	require.Len(t, events, 1)
	assert.Equal(t, moira.ERROR, events[0].State)
	assert.Equal(t, moira.NODATA, events[0].OldState)
}

func TestCheckTTLExpirationToOK(t *testing.T) {
	db := mocks.NewDatabase()
	metric := "metric.one"
	saveTrigger(t, db, "ttl-ok", &moira.Trigger{
		Name: "t", Targets: []string{metric}, Patterns: []string{metric},
		WarnValue: fptr(1), ErrorValue: fptr(5), TTL: 600, TTLState: moira.OK,
	})

	sendSample(t, db, metric, metric, base-2400, 1)
	runCheck(t, db, "ttl-ok", base-2400)
	assertMetric(t, lastCheckOf(t, db, "ttl-ok"), metric, moira.WARN, fptr(1))

	runCheck(t, db, "ttl-ok", base-2200)
	runCheck(t, db, "ttl-ok", base-1000)
	runCheck(t, db, "ttl-ok", base)

	check := lastCheckOf(t, db, "ttl-ok")
	assertMetric(t, check, metric, moira.OK, nil)

	events := eventsOf(t, db, "ttl-ok")
	require.Len(t, events, 2)
	assert.Equal(t, moira.OK, events[0].State)
	assert.Equal(t, moira.WARN, events[0].OldState)
	assert.Nil(t, events[0].Value)
	assert.Equal(t, moira.WARN, events[1].State)

	// The metric coming back is a fresh transition.
	sendSample(t, db, metric, metric, base, 1)
	runCheck(t, db, "ttl-ok", base)
	assertMetric(t, lastCheckOf(t, db, "ttl-ok"), metric, moira.WARN, fptr(1))
	require.Len(t, eventsOf(t, db, "ttl-ok"), 3)
}

func TestCheckTTLStateDelRemovesMetric(t *testing.T) {
	db := mocks.NewDatabase()
	metric := "metric.one"
	saveTrigger(t, db, "ttl-del", &moira.Trigger{
		Name: "t", Targets: []string{metric}, Patterns: []string{metric},
		WarnValue: fptr(60), ErrorValue: fptr(90), TTL: 600, TTLState: moira.DEL,
	})

	sendSample(t, db, metric, metric, base-1000, 0)
	runCheck(t, db, "ttl-del", base-60)
	assertMetric(t, lastCheckOf(t, db, "ttl-del"), metric, moira.OK, fptr(0))

	runCheck(t, db, "ttl-del", base)

	check := lastCheckOf(t, db, "ttl-del")
	assert.Empty(t, check.Metrics)

	metrics, err := db.GetPatternMetrics(context.Background(), metric)
	require.NoError(t, err)
	assert.Empty(t, metrics)

	// No synthetic NODATA event, the metric just disappears.
	require.Len(t, eventsOf(t, db, "ttl-del"), 1)
}

func TestCheckDelReseedsSecondTargetEntry(t *testing.T) {
	db := mocks.NewDatabase()
	saveTrigger(t, db, "del-echo", &moira.Trigger{
		Name:      "disk",
		Targets:   []string{"pat.*", "other.single"},
		Patterns:  []string{"pat.*", "other.single"},
		WarnValue: fptr(60), ErrorValue: fptr(90),
		TTL: 600, TTLState: moira.DEL,
	})

	sendSample(t, db, "pat.*", "pat.a", base-3000, 10)
	sendSample(t, db, "other.single", "other.single", base-3000, 1)
	runCheck(t, db, "del-echo", base-1800)
	assertMetric(t, lastCheckOf(t, db, "del-echo"), "pat.a", moira.OK, fptr(10))

	// pat.a went stale past the TTL while pat.b started reporting, so the
	// same check removes the shared entries and evaluates a fresh series.
	sendSample(t, db, "pat.*", "pat.b", base-660, 10)
	sendSample(t, db, "other.single", "other.single", base-660, 1)
	runCheck(t, db, "del-echo", base-600)

	check := lastCheckOf(t, db, "del-echo")
	assert.NotContains(t, check.Metrics, "pat.a")
	assertMetric(t, check, "pat.b", moira.OK, fptr(10))
	assertMetric(t, check, "other.single", moira.OK, fptr(1))

	events := eventsOf(t, db, "del-echo")
	require.Len(t, events, 2)
	assert.Equal(t, "pat.b", events[0].Metric)
	assert.Equal(t, moira.OK, events[0].State)

	metrics, err := db.GetPatternMetrics(context.Background(), "pat.*")
	require.NoError(t, err)
	assert.Empty(t, metrics)
}

func TestCheckTriggerWithoutMetrics(t *testing.T) {
	db := mocks.NewDatabase()
	saveTrigger(t, db, "empty", &moira.Trigger{
		Name: "t", Targets: []string{"metric.nope"}, Patterns: []string{"metric.nope"},
		WarnValue: fptr(60), ErrorValue: fptr(90), TTL: 600,
	})

	runCheck(t, db, "empty", base)
	check := lastCheckOf(t, db, "empty")
	assert.Equal(t, moira.NODATA, check.State)
	assert.Equal(t, "Trigger has no metrics", check.Message)
	assert.Equal(t, int64(1000), check.Score)
	assert.Empty(t, eventsOf(t, db, "empty"))

	// A day later the unchanged bad state produces a reminder.
	runCheck(t, db, "empty", base+86400)
	events := eventsOf(t, db, "empty")
	require.Len(t, events, 1)
	assert.Equal(t, moira.NODATA, events[0].State)
	assert.Equal(t, moira.NODATA, events[0].OldState)
	assert.Empty(t, events[0].Metric)
	assert.Equal(t, "Trigger has no metrics", events[0].Message)
}

func TestCheckNodataReminder(t *testing.T) {
	db := mocks.NewDatabase()
	metric := "metric.one"
	saveTrigger(t, db, "remind", &moira.Trigger{
		Name: "t", Targets: []string{metric}, Patterns: []string{metric},
		WarnValue: fptr(60), ErrorValue: fptr(90), TTL: 600,
	})

	sendSample(t, db, metric, metric, base-1000, 10)
	runCheck(t, db, "remind", base-60)
	runCheck(t, db, "remind", base)
	assertMetric(t, lastCheckOf(t, db, "remind"), metric, moira.NODATA, nil)

	runCheck(t, db, "remind", base+86400)
	runCheck(t, db, "remind", base+86460)

	events := eventsOf(t, db, "remind")
	require.Len(t, events, 3)
	assert.Equal(t, moira.NODATA, events[0].State)
	assert.Equal(t, moira.NODATA, events[0].OldState)
	assert.Contains(t, events[0].Message, "has been in bad state for more than 24 hours")
	assert.Equal(t, moira.NODATA, events[1].State)
	assert.Equal(t, moira.OK, events[1].OldState)
	assert.Equal(t, moira.OK, events[2].State)
}

func TestCheckExpressionEchoesSecondTarget(t *testing.T) {
	db := mocks.NewDatabase()
	m1, m2 := "metric.one", "metric.two"
	saveTrigger(t, db, "expr", &moira.Trigger{
		Name: "t", Targets: []string{m1, m2}, Patterns: []string{m1, m2},
		Expression: "ERROR if t1 > t2 else OK", TTL: 600,
	})

	sendSample(t, db, m1, m1, base-60, 1)
	sendSample(t, db, m2, m2, base-60, 2)
	runCheck(t, db, "expr", base)
	check := lastCheckOf(t, db, "expr")
	assertMetric(t, check, m1, moira.OK, fptr(1))
	assertMetric(t, check, m2, moira.OK, fptr(2))

	sendSample(t, db, m1, m1, base, 4)
	sendSample(t, db, m2, m2, base, 3)
	runCheck(t, db, "expr", base+60)
	check = lastCheckOf(t, db, "expr")
	assertMetric(t, check, m1, moira.ERROR, fptr(4))
	assertMetric(t, check, m2, moira.ERROR, fptr(3))

	// Events are emitted for the first target only.
	events := eventsOf(t, db, "expr")
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, m1, e.Metric)
	}
}

func TestCheckPrevStateExpression(t *testing.T) {
	db := mocks.NewDatabase()
	m1, m2 := "metric.one", "metric.two"
	saveTrigger(t, db, "prev", &moira.Trigger{
		Name: "t", Targets: []string{m1, m2}, Patterns: []string{m1, m2},
		Expression: "ERROR if t1 > 10 else PREV_STATE if t2 > 0 else OK", TTL: 600,
	})

	sendSample(t, db, m1, m1, base-120, 10)
	sendSample(t, db, m2, m2, base-120, 0)
	runCheck(t, db, "prev", base)
	assertMetric(t, lastCheckOf(t, db, "prev"), m1, moira.OK, fptr(10))

	sendSample(t, db, m1, m1, base-60, 11)
	sendSample(t, db, m2, m2, base-60, 1)
	runCheck(t, db, "prev", base)
	assertMetric(t, lastCheckOf(t, db, "prev"), m1, moira.ERROR, fptr(11))

	// The bad state sticks while t2 stays positive.
	sendSample(t, db, m1, m1, base, 9)
	sendSample(t, db, m2, m2, base, 1)
	runCheck(t, db, "prev", base+60)
	assertMetric(t, lastCheckOf(t, db, "prev"), m1, moira.ERROR, fptr(9))
	require.Len(t, eventsOf(t, db, "prev"), 2)
}

func TestCheckScheduleSuppressionAndCatchUp(t *testing.T) {
	db := mocks.NewDatabase()
	metric := "metric.one"
	days := make([]moira.ScheduleDay, 7)
	for i, name := range []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"} {
		days[i] = moira.ScheduleDay{Enabled: true, Name: name}
	}
	days[0].Enabled = false // Monday
	days[6].Enabled = false // Sunday
	saveTrigger(t, db, "sched", &moira.Trigger{
		Name: "t", Targets: []string{metric}, Patterns: []string{metric},
		WarnValue: fptr(1), ErrorValue: fptr(5), TTL: 600, TTLState: moira.OK,
		Schedule: &moira.Schedule{Days: days, StartOffset: 0, EndOffset: 1439},
	})

	saturday := int64(1444471200) // 10:00 UTC
	monday := int64(1444644000)
	tuesday := int64(1444730400)

	sendSample(t, db, metric, metric, saturday, 1)
	runCheck(t, db, "sched", saturday)
	assertMetric(t, lastCheckOf(t, db, "sched"), metric, moira.WARN, fptr(1))
	require.Len(t, eventsOf(t, db, "sched"), 1)

	// Monday is off-schedule, the transition is recorded but muted.
	sendSample(t, db, metric, metric, monday, 10)
	runCheck(t, db, "sched", monday)
	check := lastCheckOf(t, db, "sched")
	assertMetric(t, check, metric, moira.ERROR, fptr(10))
	assert.True(t, check.Metrics[metric].Suppressed)
	require.Len(t, eventsOf(t, db, "sched"), 1)

	// Tuesday surfaces the muted bad state once.
	sendSample(t, db, metric, metric, tuesday, 10)
	runCheck(t, db, "sched", tuesday)
	events := eventsOf(t, db, "sched")
	require.Len(t, events, 2)
	assert.Equal(t, moira.ERROR, events[0].State)
	assert.Equal(t, moira.ERROR, events[0].OldState)
	assert.Equal(t, tuesday, events[0].Timestamp)

	sendSample(t, db, metric, metric, tuesday+60, 11)
	runCheck(t, db, "sched", tuesday+60)
	require.Len(t, eventsOf(t, db, "sched"), 2)
}

func TestCheckMaintenanceSuppressionAndRecovery(t *testing.T) {
	db := mocks.NewDatabase()
	metric := "metric.one"
	saveTrigger(t, db, "maint", &moira.Trigger{
		Name: "t", Targets: []string{metric}, Patterns: []string{metric},
		WarnValue: fptr(60), ErrorValue: fptr(90), TTL: 600, Tags: []string{"db"},
	})
	db.SetTagMaintenance("db", base+600)

	sendSample(t, db, metric, metric, base-60, 100)
	runCheck(t, db, "maint", base)
	check := lastCheckOf(t, db, "maint")
	assertMetric(t, check, metric, moira.ERROR, fptr(100))
	assert.True(t, check.Metrics[metric].Suppressed)
	assert.Empty(t, eventsOf(t, db, "maint"))

	// Recovery out of a suppressed bad state surfaces despite maintenance.
	sendSample(t, db, metric, metric, base, 10)
	runCheck(t, db, "maint", base)
	check = lastCheckOf(t, db, "maint")
	assertMetric(t, check, metric, moira.OK, fptr(10))
	assert.False(t, check.Metrics[metric].Suppressed)

	events := eventsOf(t, db, "maint")
	require.Len(t, events, 1)
	assert.Equal(t, moira.OK, events[0].State)
	assert.Equal(t, moira.ERROR, events[0].OldState)
}

func TestCheckMultiSeriesSecondTargetFails(t *testing.T) {
	db := mocks.NewDatabase()
	saveTrigger(t, db, "multi", &moira.Trigger{
		Name: "t", Targets: []string{"m1", "m2.*"}, Patterns: []string{"m1", "m2.*"},
		Expression: "ERROR if t1 > t2 else OK",
	})
	sendSample(t, db, "m1", "m1", base-60, 1)
	sendSample(t, db, "m2.*", "m2.one", base-60, 1)
	sendSample(t, db, "m2.*", "m2.two", base-60, 2)

	runCheck(t, db, "multi", base)

	check := lastCheckOf(t, db, "multi")
	assert.Equal(t, moira.EXCEPTION, check.State)
	assert.Equal(t, "Trigger evaluation exception", check.Message)
	assert.Equal(t, int64(100000), check.Score)

	events := eventsOf(t, db, "multi")
	require.Len(t, events, 1)
	assert.Equal(t, moira.EXCEPTION, events[0].State)
	assert.Empty(t, events[0].Metric)
}

func TestCheckScore(t *testing.T) {
	db := mocks.NewDatabase()
	metric := "metric"
	saveTrigger(t, db, "score", &moira.Trigger{
		Name: "t", Targets: []string{metric}, Patterns: []string{metric},
		WarnValue: fptr(1), ErrorValue: fptr(2),
	})

	sendSample(t, db, metric, metric, base, 0)
	runCheck(t, db, "score", base)
	assert.Equal(t, int64(0), lastCheckOf(t, db, "score").Score)

	sendSample(t, db, metric, metric, base+60, 1)
	runCheck(t, db, "score", base+60)
	assert.Equal(t, int64(1), lastCheckOf(t, db, "score").Score)

	sendSample(t, db, metric, metric, base+120, 2)
	runCheck(t, db, "score", base+120)
	assert.Equal(t, int64(100), lastCheckOf(t, db, "score").Score)
}

func TestCheckMapReduceTarget(t *testing.T) {
	db := mocks.NewDatabase()
	pattern := "servers.*.metric.{free,total}"
	saveTrigger(t, db, "mapred", &moira.Trigger{
		Name: "disk usage",
		Targets: []string{
			`aliasByNode(reduceSeries(mapSeries(servers.*.metric.{free,total},1),"asPercent",3,"free","total"),1)`,
		},
		Patterns:  []string{pattern},
		WarnValue: fptr(60), ErrorValue: fptr(90),
	})

	sendSample(t, db, pattern, "servers.one.metric.free", base-60, 60)
	sendSample(t, db, pattern, "servers.one.metric.total", base-60, 100)
	sendSample(t, db, pattern, "servers.two.metric.free", base-60, 30)
	sendSample(t, db, pattern, "servers.two.metric.total", base-60, 60)

	runCheck(t, db, "mapred", base)

	check := lastCheckOf(t, db, "mapred")
	assertMetric(t, check, "one", moira.WARN, fptr(60))
	assertMetric(t, check, "two", moira.OK, fptr(50))
	require.Len(t, eventsOf(t, db, "mapred"), 2)
}

func TestCheckCleansUpExpiredSamples(t *testing.T) {
	db := mocks.NewDatabase()
	metric := "metric.one"
	saveTrigger(t, db, "cleanup", &moira.Trigger{
		Name: "t", Targets: []string{metric}, Patterns: []string{metric},
		WarnValue: fptr(60), ErrorValue: fptr(90),
	})
	sendSample(t, db, metric, metric, base-3600, 1)
	sendSample(t, db, metric, metric, base-60, 1)

	runCheck(t, db, "cleanup", base+60)

	values, err := db.GetMetricsValues(context.Background(), []string{metric}, 0, base+60)
	require.NoError(t, err)
	require.Len(t, values[metric], 1)
	assert.Equal(t, base-60, values[metric][0].Timestamp)
}
