package metrics

import (
	"context"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"strings"
	"time"
)

const reconnectDelay = 10 * time.Second

// GraphiteConfig describes the self-metrics export destination.
type GraphiteConfig struct {
	Enabled  bool
	URIs     []string
	Prefix   string
	Interval time.Duration
}

// Graphite flushes checker metrics to one of the configured replicas on a
// timer. When a replica fails the sender advances to the next one and backs
// off before reconnecting.
type Graphite struct {
	config  GraphiteConfig
	logger  *log.Logger
	metrics *CheckerMetrics
	host    string

	conn       net.Conn
	replica    int
	retryAfter time.Time
	dial       func(addr string) (net.Conn, error)
}

func NewGraphite(config GraphiteConfig, logger *log.Logger, m *CheckerMetrics) *Graphite {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Graphite{
		config:  config,
		logger:  logger,
		metrics: m,
		host:    strings.ReplaceAll(host, ".", "_"),
		dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 5*time.Second)
		},
	}
}

// Run flushes on the configured interval until ctx is done, then flushes one
// last time.
func (g *Graphite) Run(ctx context.Context) {
	if !g.config.Enabled || len(g.config.URIs) == 0 {
		return
	}
	interval := g.config.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.flush()
			g.close()
			return
		case <-ticker.C:
			g.flush()
		}
	}
}

func (g *Graphite) flush() {
	now := time.Now().Unix()
	sum, count := g.metrics.CheckTime.Flush()
	triggers := g.metrics.TriggersChecked.Flush()
	errors := g.metrics.CheckErrors.Flush()

	var b strings.Builder
	fmt.Fprintf(&b, "%s %f %d\n", g.name("checker.time.sum"), sum, now)
	fmt.Fprintf(&b, "%s %d %d\n", g.name("checker.time.count"), count, now)
	fmt.Fprintf(&b, "%s %d %d\n", g.name("checker.triggers"), triggers, now)
	fmt.Fprintf(&b, "%s %d %d\n", g.name("checker.errors"), errors, now)
	g.send(b.String())
}

func (g *Graphite) name(metric string) string {
	if g.config.Prefix == "" {
		return fmt.Sprintf("%s.%s", metric, g.host)
	}
	return fmt.Sprintf("%s.%s.%s", g.config.Prefix, metric, g.host)
}

// send writes best-effort: a failed replica is dropped and the next flush
// tries the following one after the reconnect delay.
func (g *Graphite) send(payload string) {
	if g.conn == nil {
		if time.Now().Before(g.retryAfter) {
			return
		}
		addr := g.config.URIs[g.replica%len(g.config.URIs)]
		conn, err := g.dial(addr)
		if err != nil {
			g.logger.Warn("graphite connect failed", "address", addr, "error", err)
			g.replica++
			g.retryAfter = time.Now().Add(reconnectDelay)
			return
		}
		g.conn = conn
	}
	if _, err := g.conn.Write([]byte(payload)); err != nil {
		g.logger.Warn("graphite write failed", "error", err)
		g.close()
		g.replica++
		g.retryAfter = time.Now().Add(reconnectDelay)
	}
}

func (g *Graphite) close() {
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
}
