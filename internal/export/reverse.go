package export

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/resilience"
)

// ClientReverser routes reversal calls to the sending destination's client.
// It satisfies governance.Reverser.
type ClientReverser struct {
	clients map[string]Client
	retry   resilience.RetryConfig
	dryRun  bool
}

// NewClientReverser creates a reverser over the given destination clients.
func NewClientReverser(clients map[string]Client, retry resilience.RetryConfig, dryRun bool) *ClientReverser {
	return &ClientReverser{clients: clients, retry: retry, dryRun: dryRun}
}

// Reverse undoes task at its destination, retrying transient failures.
func (r *ClientReverser) Reverse(ctx context.Context, task model.ExportTask) error {
	if r.dryRun {
		zap.L().Info("export: dry run, not reversing",
			zap.String("task_id", task.TaskID),
			zap.String("destination", task.Destination),
		)
		return nil
	}
	client, ok := r.clients[task.Destination]
	if !ok {
		return eris.Errorf("export: no client configured for %q", task.Destination)
	}
	retry := r.retry
	retry.OnRetry = resilience.RetryLogger(task.Destination, "reverse")
	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		return client.Reverse(ctx, task)
	})
}
