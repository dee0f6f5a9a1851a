package export

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/cost"
	"github.com/sells-group/license-recon/internal/governance"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/monitoring"
	"github.com/sells-group/license-recon/internal/resilience"
	"github.com/sells-group/license-recon/internal/store"
)

// Notifier receives alerts for tasks that exhaust their retries.
type Notifier interface {
	Notify(ctx context.Context, alert monitoring.Alert)
}

// SenderOptions tunes a Sender.
type SenderOptions struct {
	DryRun        bool
	BatchSize     int
	Retry         resilience.RetryConfig
	DLQMaxRetries int
}

// SendResult summarizes one Send call for a destination.
type SendResult struct {
	Destination string  `json:"destination"`
	Ready       int     `json:"ready"`
	Sent        int     `json:"sent"`
	Failed      int     `json:"failed"`
	Deferred    int     `json:"deferred"`
	Conflicts   int     `json:"conflicts"`
	DryRun      int     `json:"dry_run"`
	CostUSD     float64 `json:"cost_usd"`
	StopReason  string  `json:"stop_reason,omitempty"`
}

// Sender drains ready export tasks to their destinations.
type Sender struct {
	exports  *governance.Exports
	store    store.Store
	clients  map[string]Client
	limiter  *Limiter
	breakers *resilience.ServiceBreakers
	costs    *cost.Calculator
	notifier Notifier
	opts     SenderOptions
	now      func() time.Time
}

// NewSender wires a Sender. limiter, breakers, costs and notifier may be nil.
func NewSender(exports *governance.Exports, st store.Store, clients map[string]Client, limiter *Limiter,
	breakers *resilience.ServiceBreakers, costs *cost.Calculator, notifier Notifier, opts SenderOptions) *Sender {
	if limiter == nil {
		limiter = NewLimiter(0, nil)
	}
	if breakers == nil {
		cfg := resilience.DefaultCircuitBreakerConfig()
		cfg.ShouldTrip = resilience.IsTransient
		breakers = resilience.NewServiceBreakers(cfg)
	}
	if costs == nil {
		costs = cost.NewCalculator(cost.DefaultRates())
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.DLQMaxRetries <= 0 {
		opts.DLQMaxRetries = 3
	}
	return &Sender{
		exports:  exports,
		store:    st,
		clients:  clients,
		limiter:  limiter,
		breakers: breakers,
		costs:    costs,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
	}
}

// Breakers exposes circuit state for status reporting.
func (s *Sender) Breakers() *resilience.ServiceBreakers { return s.breakers }

// SendAll runs Send for every configured destination in name order.
func (s *Sender) SendAll(ctx context.Context) ([]SendResult, error) {
	var results []SendResult
	for _, name := range s.exports.Destinations() {
		res, err := s.Send(ctx, name)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Send delivers up to one batch of ready tasks for destination. A full send
// window or an open circuit stops the batch; the remaining tasks stay
// approved and are picked up by the next call.
func (s *Sender) Send(ctx context.Context, destination string) (SendResult, error) {
	res := SendResult{Destination: destination}
	log := zap.L().With(zap.String("destination", destination))

	dest, ok := s.exports.Destination(destination)
	if !ok {
		return res, eris.Errorf("export: unknown destination %q", destination)
	}

	ready, err := s.exports.ReadyToSend(ctx, destination, s.now().UTC(), s.opts.BatchSize)
	if err != nil {
		return res, eris.Wrapf(err, "export: select ready tasks for %s", destination)
	}
	res.Ready = len(ready)
	if len(ready) == 0 {
		log.Debug("export: nothing ready")
		return res, nil
	}

	client, ok := s.clients[destination]
	if !ok && !s.opts.DryRun {
		return res, eris.Errorf("export: no client configured for %q", destination)
	}

	for i, task := range ready {
		if ctx.Err() != nil {
			res.Deferred += len(ready) - i
			res.StopReason = "cancelled"
			break
		}

		if s.opts.DryRun {
			log.Info("export: dry run, not sending",
				zap.String("task_id", task.TaskID),
				zap.String("provider_id", task.ProviderID),
			)
			res.DryRun++
			res.CostUSD += s.costs.Export(destination, 1)
			continue
		}

		if err := s.limiter.Acquire(ctx, dest); err != nil {
			if eris.Is(err, ErrWindowFull) {
				log.Info("export: send window full", zap.Error(err))
				res.Deferred += len(ready) - i
				res.StopReason = "window_full"
				break
			}
			return res, err
		}

		outcome, err := s.deliver(ctx, client, task)
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeSent:
			res.Sent++
			res.CostUSD += s.costs.Export(destination, 1)
		case outcomeFailed:
			res.Failed++
		case outcomeConflict:
			res.Conflicts++
		case outcomeDeferred:
			res.Deferred += len(ready) - i
			res.StopReason = "circuit_open"
		}
		if outcome == outcomeDeferred {
			break
		}
	}

	log.Info("export: send complete",
		zap.Int("ready", res.Ready),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("deferred", res.Deferred),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("dry_run", res.DryRun),
		zap.Float64("cost_usd", res.CostUSD),
	)
	return res, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeDeferred
	// outcomeConflict is a task moved by another actor, such as a load
	// quarantine, while it was being delivered.
	outcomeConflict
)

// deliver sends one task with retries through the destination's breaker.
// Every attempt increments the task's attempt count. Only store errors are
// returned; delivery errors end in an outcome.
func (s *Sender) deliver(ctx context.Context, client Client, task model.ExportTask) (outcome, error) {
	log := zap.L().With(zap.String("destination", task.Destination), zap.String("task_id", task.TaskID))
	breaker := s.breakers.Get(task.Destination)
	start := s.now()

	retry := s.opts.Retry
	var storeErr error
	retry.OnRetry = func(attempt int, err error) {
		log.Warn("export: delivery attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if rerr := s.exports.RecordAttempt(ctx, task.TaskID, resilience.ErrorCode(err), err.Error()); rerr != nil && storeErr == nil {
			storeErr = rerr
		}
	}

	externalID, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (string, error) {
			return client.Send(ctx, task)
		})
	})
	monitoring.ExportLatency.WithLabelValues(task.Destination).Observe(s.now().Sub(start).Seconds())
	if storeErr != nil {
		return outcomeFailed, storeErr
	}

	if err == nil {
		if _, merr := s.exports.MarkSent(ctx, task.TaskID, externalID); merr != nil {
			if eris.Is(merr, governance.ErrIllegalTransition) {
				log.Error("export: task changed state during delivery, destination holds the record",
					zap.String("external_id", externalID), zap.Error(merr))
				return outcomeConflict, nil
			}
			return outcomeSent, eris.Wrapf(merr, "export: mark %s sent", task.TaskID)
		}
		monitoring.ExportsTotal.WithLabelValues(task.Destination, string(model.ExportSent)).Inc()
		log.Debug("export: delivered", zap.String("external_id", externalID))
		return outcomeSent, nil
	}

	if eris.Is(err, resilience.ErrCircuitOpen) {
		log.Warn("export: circuit open, deferring remaining tasks")
		monitoring.ExportsTotal.WithLabelValues(task.Destination, "deferred").Inc()
		return outcomeDeferred, nil
	}

	code := resilience.ErrorCode(err)
	failed, merr := s.exports.MarkFailed(ctx, task.TaskID, code, err.Error())
	if eris.Is(merr, governance.ErrIllegalTransition) {
		log.Warn("export: task changed state during delivery", zap.Error(merr))
		return outcomeConflict, nil
	}
	if merr != nil {
		return outcomeFailed, eris.Wrapf(merr, "export: mark %s failed", task.TaskID)
	}
	monitoring.ExportsTotal.WithLabelValues(task.Destination, string(model.ExportFailed)).Inc()
	log.Error("export: delivery failed", zap.String("error_code", code), zap.Int("attempts", failed.Attempts), zap.Error(err))

	entry := resilience.NewDLQEntry(uuid.NewString(), *failed, err, s.opts.DLQMaxRetries, s.now().UTC())
	if derr := s.store.EnqueueDLQ(ctx, entry); derr != nil {
		return outcomeFailed, eris.Wrapf(derr, "export: dead-letter %s", task.TaskID)
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, monitoring.Alert{
			Type:     monitoring.AlertExportDeadLetter,
			Severity: "high",
			Message:  fmt.Sprintf("Export %s to %s failed after %d attempts: %s", task.TaskID, task.Destination, failed.Attempts, code),
			Details: map[string]any{
				"task_id":     task.TaskID,
				"provider_id": task.ProviderID,
				"destination": task.Destination,
				"error_code":  code,
				"dlq_id":      entry.ID,
			},
		})
	}
	return outcomeFailed, nil
}
