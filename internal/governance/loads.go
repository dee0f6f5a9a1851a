package governance

import (
	"context"
	"crypto/md5" //nolint:gosec // load ids are labels, not secrets
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/monitoring"
	"github.com/sells-group/license-recon/internal/store"
)

// ActorAuto marks transitions made by the scheduler rather than an operator.
const ActorAuto = "auto"

var loadTransitions = map[model.LoadStatus][]model.LoadStatus{
	model.LoadPending:          {model.LoadValidated, model.LoadFailedValidation, model.LoadQuarantined},
	model.LoadValidated:        {model.LoadPromoted, model.LoadQuarantined},
	model.LoadFailedValidation: {model.LoadQuarantined},
	model.LoadPromoted:         {model.LoadQuarantined},
}

func canMoveLoad(from, to model.LoadStatus) bool {
	return slices.Contains(loadTransitions[from], to)
}

// LoadID derives a load id from the source file and registration time.
func LoadID(sourceFile string, ts time.Time) string {
	sum := md5.Sum([]byte(sourceFile + "-" + ts.UTC().Format(time.RFC3339Nano))) //nolint:gosec
	return hex.EncodeToString(sum[:])[:12]
}

// ReversalFailure explains why one sent task could not be reversed.
type ReversalFailure struct {
	TaskID      string `json:"task_id"`
	Destination string `json:"destination"`
	Reason      string `json:"reason"`
}

// QuarantineResult reports what quarantining a load did to its exports.
type QuarantineResult struct {
	LoadID                string            `json:"load_id"`
	QuarantinedAt         time.Time         `json:"quarantined_at"`
	Reason                string            `json:"reason"`
	ExportsCancelled      int               `json:"exports_cancelled"`
	ExportsReversed       int               `json:"exports_reversed"`
	ExportsFailedReversal int               `json:"exports_failed_reversal"`
	ReversalFailures      []ReversalFailure `json:"reversal_failures,omitempty"`
}

// Loads runs the data load state machine.
type Loads struct {
	store     store.Store
	validator *Validator
	exports   *Exports
	reverser  Reverser
	now       func() time.Time
}

// NewLoads creates a load manager. reverser may be nil when sent exports are
// never reversed.
func NewLoads(st store.Store, v *Validator, exports *Exports, reverser Reverser) *Loads {
	return &Loads{store: st, validator: v, exports: exports, reverser: reverser, now: time.Now}
}

// Register records a new pending load and compares its size with the last
// promoted load of the same source.
func (l *Loads) Register(ctx context.Context, sourceType, sourceFile string, rowCount int) (*model.DataLoad, error) {
	now := l.now().UTC()
	load := &model.DataLoad{
		LoadID:     LoadID(sourceFile, now),
		SourceType: sourceType,
		SourceFile: sourceFile,
		RowCount:   rowCount,
		Status:     model.LoadPending,
		CreatedAt:  now,
	}

	prev, err := l.store.PreviousLoad(ctx, sourceType, load.LoadID)
	if err != nil {
		return nil, eris.Wrapf(err, "governance: previous load for %s", sourceType)
	}
	if prev != nil {
		n := prev.RowCount
		load.PrevRowCount = &n
		if n > 0 {
			d := math.Abs(float64(rowCount-n)) / float64(n)
			load.RowCountDelta = &d
		}
	}

	if err := l.store.CreateLoad(ctx, load); err != nil {
		return nil, eris.Wrapf(err, "governance: create load %s", load.LoadID)
	}
	monitoring.LoadTransitions.WithLabelValues(string(load.Status)).Inc()
	zap.L().Info("governance: registered load",
		zap.String("load_id", load.LoadID),
		zap.String("source_type", sourceType),
		zap.Int("row_count", rowCount),
	)
	return load, nil
}

// Validate runs the source ruleset against the staged batch and moves the
// load to validated or failed_validation.
func (l *Loads) Validate(ctx context.Context, loadID string, b Batch) (*model.DataLoad, error) {
	load, err := l.store.GetLoad(ctx, loadID)
	if err != nil {
		return nil, eris.Wrapf(err, "governance: get load %s", loadID)
	}
	if load.Status != model.LoadPending {
		return nil, eris.Wrapf(ErrIllegalTransition, "load %s: validate from %s", loadID, load.Status)
	}
	if b.PrevRowCount == nil {
		b.PrevRowCount = load.PrevRowCount
	}

	now := l.now().UTC()
	report, err := l.validator.Validate(load.SourceType, b, now)
	if err != nil {
		return nil, err
	}
	load.Validation = report
	load.ValidatedAt = &now
	load.Status = model.LoadValidated
	if !report.Passed {
		load.Status = model.LoadFailedValidation
	}
	if err := l.store.UpdateLoad(ctx, load); err != nil {
		return nil, eris.Wrapf(err, "governance: update load %s", loadID)
	}
	monitoring.LoadTransitions.WithLabelValues(string(load.Status)).Inc()

	log := zap.L().With(zap.String("load_id", loadID), zap.String("source_type", load.SourceType))
	if report.Passed {
		log.Info("governance: load validated", zap.Int("warnings", len(report.Warnings)))
	} else {
		log.Warn("governance: load failed validation", zap.Int("errors", len(report.Errors)))
	}
	return load, nil
}

// Promote makes a validated load eligible for export.
func (l *Loads) Promote(ctx context.Context, loadID, actor string) (*model.DataLoad, error) {
	load, err := l.store.GetLoad(ctx, loadID)
	if err != nil {
		return nil, eris.Wrapf(err, "governance: get load %s", loadID)
	}
	if !canMoveLoad(load.Status, model.LoadPromoted) {
		return nil, eris.Wrapf(ErrIllegalTransition, "load %s: %s -> %s", loadID, load.Status, model.LoadPromoted)
	}
	if actor == "" {
		actor = "manual"
	}
	now := l.now().UTC()
	load.Status = model.LoadPromoted
	load.PromotedAt = &now
	load.PromotedBy = actor
	if err := l.store.UpdateLoad(ctx, load); err != nil {
		return nil, eris.Wrapf(err, "governance: update load %s", loadID)
	}
	monitoring.LoadTransitions.WithLabelValues(string(load.Status)).Inc()
	zap.L().Info("governance: load promoted", zap.String("load_id", loadID), zap.String("by", actor))
	return load, nil
}

// PromoteDue promotes validated loads whose source allows auto-promotion and
// whose hold period has elapsed.
func (l *Loads) PromoteDue(ctx context.Context) ([]string, error) {
	loads, err := l.store.ListLoads(ctx, store.LoadFilter{Status: model.LoadValidated, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "governance: list validated loads")
	}
	now := l.now().UTC()
	var promoted []string
	for _, load := range loads {
		rs, ok := l.validator.Ruleset(load.SourceType)
		if !ok || !rs.AutoPromote || load.ValidatedAt == nil {
			continue
		}
		if now.Before(load.ValidatedAt.Add(rs.Hold())) {
			continue
		}
		if _, err := l.Promote(ctx, load.LoadID, ActorAuto); err != nil {
			return promoted, err
		}
		promoted = append(promoted, load.LoadID)
	}
	return promoted, nil
}

// Quarantine blocks a load and cancels its open exports. With reverseSent,
// already-sent exports are reversed where the destination allows it.
func (l *Loads) Quarantine(ctx context.Context, loadID, reason, actor string, reverseSent bool) (*QuarantineResult, error) {
	load, err := l.store.GetLoad(ctx, loadID)
	if err != nil {
		return nil, eris.Wrapf(err, "governance: get load %s", loadID)
	}
	if !canMoveLoad(load.Status, model.LoadQuarantined) {
		return nil, eris.Wrapf(ErrIllegalTransition, "load %s: %s -> %s", loadID, load.Status, model.LoadQuarantined)
	}
	if actor == "" {
		actor = "manual"
	}

	now := l.now().UTC()
	res := &QuarantineResult{LoadID: loadID, QuarantinedAt: now, Reason: reason}

	// The load flips first so no new send can pick up its tasks mid-cascade.
	load.Status = model.LoadQuarantined
	load.QuarantinedAt = &now
	load.QuarantinedBy = actor
	load.QuarantineReason = reason
	if err := l.store.UpdateLoad(ctx, load); err != nil {
		return nil, eris.Wrapf(err, "governance: update load %s", loadID)
	}
	monitoring.LoadTransitions.WithLabelValues(string(load.Status)).Inc()

	open, err := l.store.ListExports(ctx, store.ExportFilter{
		LoadID:   loadID,
		Statuses: model.OpenExportStatuses,
		Limit:    scanLimit,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "governance: list open exports for %s", loadID)
	}
	msg := cancelReason(reason)
	for i := range open {
		t := &open[i]
		t.Status = model.ExportCancelled
		t.ErrorMessage = msg
		if err := l.store.UpdateExport(ctx, t); err != nil {
			return nil, eris.Wrapf(err, "governance: cancel export %s", t.TaskID)
		}
		res.ExportsCancelled++
	}

	if reverseSent {
		sent, err := l.store.ListExports(ctx, store.ExportFilter{
			LoadID:   loadID,
			Statuses: []model.ExportStatus{model.ExportSent},
			Limit:    scanLimit,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "governance: list sent exports for %s", loadID)
		}
		for i := range sent {
			t := &sent[i]
			if err := l.reverseOne(ctx, t, reason); err != nil {
				res.ExportsFailedReversal++
				res.ReversalFailures = append(res.ReversalFailures, ReversalFailure{
					TaskID:      t.TaskID,
					Destination: t.Destination,
					Reason:      err.Error(),
				})
				continue
			}
			res.ExportsReversed++
		}
	}

	load.ExportsCancelled = res.ExportsCancelled
	load.ExportsReversed = res.ExportsReversed
	if err := l.store.UpdateLoad(ctx, load); err != nil {
		return nil, eris.Wrapf(err, "governance: record quarantine counts for %s", loadID)
	}

	zap.L().Warn("governance: load quarantined",
		zap.String("load_id", loadID),
		zap.String("reason", reason),
		zap.String("by", actor),
		zap.Int("cancelled", res.ExportsCancelled),
		zap.Int("reversed", res.ExportsReversed),
		zap.Int("failed_reversal", res.ExportsFailedReversal),
	)
	return res, nil
}

func (l *Loads) reverseOne(ctx context.Context, t *model.ExportTask, reason string) error {
	if l.exports == nil {
		return eris.New("no export manager configured")
	}
	dest, ok := l.exports.Destination(t.Destination)
	if !ok || !dest.Reversible {
		return eris.New("Destination does not support reversal")
	}
	return l.exports.reverse(ctx, t, fmt.Sprintf("load quarantined: %s", reason), l.reverser)
}
