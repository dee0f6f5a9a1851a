package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/config"
)

// repeatAfter is how long an alert type stays quiet after it was sent.
const repeatAfter = time.Hour

// Checker runs periodic alert checks in the background. An alert type that
// keeps firing is resent at most once per repeatAfter.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
	now      func() time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		lastSent:  make(map[AlertType]time.Time),
		now:       time.Now,
	}
}

// Run checks once immediately and then on every interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			log.Info("alert checker stopped")
			return
		}
		c.Check(ctx)
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot, evaluates it and sends the alerts not sent
// recently. It returns every alert that fired.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return nil
	}

	fired := c.alerter.Evaluate(snap)
	due := c.due(fired)
	sent := c.alerter.SendAlerts(ctx, due)
	if len(fired) > 0 {
		log.Info("monitoring: alert check complete",
			zap.Int("fired", len(fired)),
			zap.Int("due", len(due)),
			zap.Int("sent", sent),
		)
	}
	return fired
}

func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	active := make(map[AlertType]bool, len(alerts))
	var out []Alert
	for _, a := range alerts {
		active[a.Type] = true
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < repeatAfter {
			continue
		}
		c.lastSent[a.Type] = now
		out = append(out, a)
	}
	// A cleared condition may alert again as soon as it recurs.
	for t := range c.lastSent {
		if !active[t] {
			delete(c.lastSent, t)
		}
	}
	return out
}
