package metrics

import (
	"errors"
	"io"
	log "log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterFlushResets(t *testing.T) {
	var c Counter
	c.Inc()
	c.Inc()
	c.Add(3)
	assert.Equal(t, int64(5), c.Flush())
	assert.Equal(t, int64(0), c.Flush())
}

func TestTimerAccumulatesSumAndCount(t *testing.T) {
	var timer Timer
	timer.Update(100 * time.Millisecond)
	timer.Update(400 * time.Millisecond)

	sum, count := timer.Flush()
	assert.InDelta(t, 0.5, sum, 1e-9)
	assert.Equal(t, int64(2), count)

	sum, count = timer.Flush()
	assert.Zero(t, sum)
	assert.Zero(t, count)
}

// fakeConn records written payloads and optionally fails every write.
type fakeConn struct {
	net.Conn
	payloads []string
	fail     bool
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.fail {
		return 0, errors.New("broken pipe")
	}
	c.payloads = append(c.payloads, string(p))
	return len(p), nil
}

func (c *fakeConn) Close() error { return nil }

func testGraphite(uris []string, dial func(string) (net.Conn, error)) *Graphite {
	g := NewGraphite(GraphiteConfig{
		Enabled:  true,
		URIs:     uris,
		Prefix:   "DevOps",
		Interval: time.Minute,
	}, log.New(log.NewTextHandler(io.Discard, nil)), NewCheckerMetrics())
	g.dial = dial
	return g
}

func TestGraphiteFlushFormat(t *testing.T) {
	conn := &fakeConn{}
	g := testGraphite([]string{"graphite:2003"}, func(string) (net.Conn, error) {
		return conn, nil
	})
	g.metrics.TriggersChecked.Add(7)
	g.metrics.CheckErrors.Inc()
	g.metrics.CheckTime.Update(time.Second)

	g.flush()

	require.Len(t, conn.payloads, 1)
	lines := strings.Split(strings.TrimSpace(conn.payloads[0]), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "DevOps.checker.time.sum."+g.host+" 1.0"))
	assert.True(t, strings.HasPrefix(lines[1], "DevOps.checker.time.count."+g.host+" 1 "))
	assert.True(t, strings.HasPrefix(lines[2], "DevOps.checker.triggers."+g.host+" 7 "))
	assert.True(t, strings.HasPrefix(lines[3], "DevOps.checker.errors."+g.host+" 1 "))

	// Counters were consumed by the flush.
	g.flush()
	require.Len(t, conn.payloads, 2)
	assert.Contains(t, conn.payloads[1], "DevOps.checker.triggers."+g.host+" 0 ")
}

func TestGraphiteAdvancesReplicaOnFailure(t *testing.T) {
	var dialed []string
	bad := &fakeConn{fail: true}
	good := &fakeConn{}
	g := testGraphite([]string{"one:2003", "two:2003"}, func(addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		if addr == "one:2003" {
			return bad, nil
		}
		return good, nil
	})

	g.flush()
	assert.Empty(t, good.payloads)

	// Inside the backoff window nothing is dialed.
	g.flush()
	require.Equal(t, []string{"one:2003"}, dialed)

	g.retryAfter = time.Time{}
	g.flush()
	require.Equal(t, []string{"one:2003", "two:2003"}, dialed)
	assert.Len(t, good.payloads, 1)
}
