package governance

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/store"
)

// ErrIllegalTransition is returned when a load or export is asked to move to
// a state its current state does not lead to.
var ErrIllegalTransition = eris.New("governance: illegal transition")

// ApprovedByAuto marks tasks approved by destination policy.
const ApprovedByAuto = "auto"

// scanLimit bounds single-pass scans over one load's exports.
const scanLimit = 1 << 20

var exportTransitions = map[model.ExportStatus][]model.ExportStatus{
	model.ExportQueued:    {model.ExportApproved, model.ExportCancelled},
	model.ExportApproved:  {model.ExportScheduled, model.ExportSent, model.ExportCancelled, model.ExportFailed},
	model.ExportScheduled: {model.ExportScheduled, model.ExportSent, model.ExportCancelled, model.ExportFailed},
	model.ExportSent:      {model.ExportReversed},
}

func canMoveExport(from, to model.ExportStatus) bool {
	return slices.Contains(exportTransitions[from], to)
}

// Candidate is a golden record proposed for a destination.
type Candidate struct {
	Record  model.GoldenRecord
	EventID string
}

// EnqueueResult counts what Enqueue did with each candidate.
type EnqueueResult struct {
	Queued       int `json:"queued"`
	AutoApproved int `json:"auto_approved"`
	Suppressed   int `json:"suppressed"`
	Skipped      int `json:"skipped"`
}

// ApproveRequest selects queued tasks for manual approval. Empty fields do not filter.
type ApproveRequest struct {
	TaskIDs       []string
	Destination   string
	MinConfidence int
	Approver      string
}

// Exports runs the export task state machine.
type Exports struct {
	store        store.Store
	destinations map[string]model.Destination
	suppressions *Suppressions
	now          func() time.Time
}

// NewExports creates an export manager. A nil destinations map uses the defaults.
func NewExports(st store.Store, destinations map[string]model.Destination, sup *Suppressions) *Exports {
	if destinations == nil {
		destinations = DefaultDestinations()
	}
	if sup == nil {
		sup = NewSuppressions(st)
	}
	return &Exports{store: st, destinations: destinations, suppressions: sup, now: time.Now}
}

// Destination returns the policy for name.
func (e *Exports) Destination(name string) (model.Destination, bool) {
	d, ok := e.destinations[name]
	return d, ok
}

// Destinations lists configured destination names.
func (e *Exports) Destinations() []string {
	return destinationNames(e.destinations)
}

// Enqueue creates one task per candidate unless the provider already has an
// open task for the destination or is suppressed.
func (e *Exports) Enqueue(ctx context.Context, destination, loadID string, candidates []Candidate) (EnqueueResult, error) {
	var res EnqueueResult
	dest, ok := e.destinations[destination]
	if !ok {
		return res, eris.Errorf("governance: unknown destination %q", destination)
	}
	suppressions, err := e.store.ListSuppressions(ctx, true)
	if err != nil {
		return res, eris.Wrap(err, "governance: list suppressions")
	}

	now := e.now().UTC()
	for _, c := range candidates {
		g := c.Record
		if g.ProviderID == "" {
			res.Skipped++
			continue
		}
		task := newTask(g, destination, loadID, c.EventID)
		if firstSuppression(suppressions, task, now) != nil {
			res.Suppressed++
			continue
		}

		open, err := e.store.ListExports(ctx, store.ExportFilter{
			ProviderID:  g.ProviderID,
			Destination: destination,
			Statuses:    model.OpenExportStatuses,
			Limit:       1,
		})
		if err != nil {
			return res, eris.Wrapf(err, "governance: check open exports for %s", g.ProviderID)
		}
		if len(open) > 0 {
			res.Skipped++
			continue
		}

		if dest.DelayHours > 0 {
			at := now.Add(time.Duration(dest.DelayHours) * time.Hour)
			task.ScheduledFor = &at
		}
		if dest.AutoApprove && task.Confidence >= dest.MinConfidenceForAuto {
			task.Status = model.ExportApproved
			if task.ScheduledFor != nil {
				task.Status = model.ExportScheduled
			}
			task.ApprovedBy = ApprovedByAuto
			task.ApprovedAt = &now
			res.AutoApproved++
		}
		if err := e.store.CreateExport(ctx, &task); err != nil {
			return res, eris.Wrapf(err, "governance: create export for %s", g.ProviderID)
		}
		res.Queued++
	}

	zap.L().Info("governance: enqueued exports",
		zap.String("destination", destination),
		zap.String("load_id", loadID),
		zap.Int("queued", res.Queued),
		zap.Int("auto_approved", res.AutoApproved),
		zap.Int("suppressed", res.Suppressed),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func newTask(g model.GoldenRecord, destination, loadID, eventID string) model.ExportTask {
	task := model.ExportTask{
		ProviderID:    g.ProviderID,
		EntityID:      g.EntityID,
		Destination:   destination,
		LoadID:        loadID,
		EventID:       eventID,
		Confidence:    g.MatchConfidence,
		Status:        model.ExportQueued,
		LicenseNumber: g.LicenseKey.LicenseNumber,
		Payload:       payloadFor(g),
	}
	if g.Email != nil {
		task.Email = *g.Email
	}
	if g.Phone != nil {
		task.Phone = *g.Phone
	}
	if g.RegistryID != nil {
		task.RegistryID = *g.RegistryID
	}
	return task
}

// payloadFor flattens the golden record into the JSON object sent downstream.
func payloadFor(g model.GoldenRecord) map[string]any {
	data, err := g.Canonical()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Approve moves matching queued tasks to approved, or scheduled when a send
// time was assigned at enqueue.
func (e *Exports) Approve(ctx context.Context, req ApproveRequest) (int, error) {
	if req.Approver == "" {
		req.Approver = "manual"
	}
	var tasks []model.ExportTask
	if len(req.TaskIDs) > 0 {
		for _, id := range req.TaskIDs {
			t, err := e.store.GetExport(ctx, id)
			if err != nil {
				return 0, eris.Wrapf(err, "governance: get export %s", id)
			}
			tasks = append(tasks, *t)
		}
	} else {
		var err error
		tasks, err = e.store.ListExports(ctx, store.ExportFilter{
			Destination: req.Destination,
			Statuses:    []model.ExportStatus{model.ExportQueued},
			Limit:       scanLimit,
		})
		if err != nil {
			return 0, eris.Wrap(err, "governance: list queued exports")
		}
	}

	now := e.now().UTC()
	approved := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status != model.ExportQueued {
			continue
		}
		if req.Destination != "" && t.Destination != req.Destination {
			continue
		}
		if t.Confidence < req.MinConfidence {
			continue
		}
		t.Status = model.ExportApproved
		if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
			t.Status = model.ExportScheduled
		}
		t.ApprovedBy = req.Approver
		t.ApprovedAt = &now
		if err := e.store.UpdateExport(ctx, t); err != nil {
			return approved, eris.Wrapf(err, "governance: approve export %s", t.TaskID)
		}
		approved++
	}
	return approved, nil
}

// Schedule sets a future send time on an approved task.
func (e *Exports) Schedule(ctx context.Context, taskID string, at time.Time) (*model.ExportTask, error) {
	return e.transition(ctx, taskID, model.ExportScheduled, func(t *model.ExportTask) {
		at := at.UTC()
		t.ScheduledFor = &at
	})
}

// ReadyToSend selects tasks for destination that may be sent at now.
func (e *Exports) ReadyToSend(ctx context.Context, destination string, now time.Time, limit int) ([]model.ExportTask, error) {
	dest, ok := e.destinations[destination]
	if !ok {
		return nil, eris.Errorf("governance: unknown destination %q", destination)
	}
	if !dest.Active {
		return nil, nil
	}

	candidates, err := e.store.ListExports(ctx, store.ExportFilter{
		Destination: destination,
		Statuses:    []model.ExportStatus{model.ExportApproved, model.ExportScheduled},
		Limit:       scanLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "governance: list sendable exports")
	}
	suppressions, err := e.store.ListSuppressions(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "governance: list suppressions")
	}

	promoted := make(map[string]bool)
	var ready []model.ExportTask
	for _, t := range candidates {
		if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
			continue
		}
		ok, seen := promoted[t.LoadID]
		if !seen {
			load, err := e.store.GetLoad(ctx, t.LoadID)
			switch {
			case err == nil:
				ok = load.Status == model.LoadPromoted
			case eris.Is(err, store.ErrNotFound):
				ok = false
			default:
				return nil, eris.Wrapf(err, "governance: get load %s", t.LoadID)
			}
			promoted[t.LoadID] = ok
		}
		if !ok {
			continue
		}
		if s := firstSuppression(suppressions, t, now); s != nil {
			zap.L().Debug("governance: export suppressed",
				zap.String("task_id", t.TaskID), zap.String("suppression_id", s.ID))
			continue
		}
		ready = append(ready, t)
		if limit > 0 && len(ready) >= limit {
			break
		}
	}
	return ready, nil
}

// MarkSent records a successful delivery.
func (e *Exports) MarkSent(ctx context.Context, taskID, externalID string) (*model.ExportTask, error) {
	return e.transition(ctx, taskID, model.ExportSent, func(t *model.ExportTask) {
		now := e.now().UTC()
		t.SentAt = &now
		t.ExternalID = externalID
		t.Attempts++
		t.ErrorCode = ""
		t.ErrorMessage = ""
	})
}

// RecordAttempt stores a failed delivery attempt that will be retried.
func (e *Exports) RecordAttempt(ctx context.Context, taskID, code, message string) error {
	t, err := e.store.GetExport(ctx, taskID)
	if err != nil {
		return eris.Wrapf(err, "governance: get export %s", taskID)
	}
	t.Attempts++
	t.ErrorCode = code
	t.ErrorMessage = message
	return eris.Wrapf(e.store.UpdateExport(ctx, t), "governance: record attempt %s", taskID)
}

// MarkFailed moves a task to failed once retries are exhausted.
func (e *Exports) MarkFailed(ctx context.Context, taskID, code, message string) (*model.ExportTask, error) {
	return e.transition(ctx, taskID, model.ExportFailed, func(t *model.ExportTask) {
		t.Attempts++
		t.ErrorCode = code
		t.ErrorMessage = message
	})
}

// Cancel stops an open task.
func (e *Exports) Cancel(ctx context.Context, taskID, reason string) (*model.ExportTask, error) {
	return e.transition(ctx, taskID, model.ExportCancelled, func(t *model.ExportTask) {
		t.ErrorMessage = reason
	})
}

// Reverser undoes a delivered task at its destination.
type Reverser interface {
	Reverse(ctx context.Context, task model.ExportTask) error
}

// Reverse undoes a sent task on a reversible destination.
func (e *Exports) Reverse(ctx context.Context, taskID, reason string, r Reverser) (*model.ExportTask, error) {
	t, err := e.store.GetExport(ctx, taskID)
	if err != nil {
		return nil, eris.Wrapf(err, "governance: get export %s", taskID)
	}
	if err := e.reverse(ctx, t, reason, r); err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Exports) reverse(ctx context.Context, t *model.ExportTask, reason string, r Reverser) error {
	if !canMoveExport(t.Status, model.ExportReversed) {
		return eris.Wrapf(ErrIllegalTransition, "export %s: %s -> %s", t.TaskID, t.Status, model.ExportReversed)
	}
	dest, ok := e.destinations[t.Destination]
	if !ok || !dest.Reversible {
		return eris.Errorf("governance: destination %q does not support reversal", t.Destination)
	}
	if r == nil {
		return eris.New("governance: no reversal handler configured")
	}
	if err := r.Reverse(ctx, *t); err != nil {
		return eris.Wrapf(err, "governance: reverse export %s", t.TaskID)
	}
	now := e.now().UTC()
	t.Status = model.ExportReversed
	t.ReversedAt = &now
	t.ReversalReason = reason
	return eris.Wrapf(e.store.UpdateExport(ctx, t), "governance: update reversed export %s", t.TaskID)
}

func (e *Exports) transition(ctx context.Context, taskID string, to model.ExportStatus, mutate func(*model.ExportTask)) (*model.ExportTask, error) {
	t, err := e.store.GetExport(ctx, taskID)
	if err != nil {
		return nil, eris.Wrapf(err, "governance: get export %s", taskID)
	}
	if !canMoveExport(t.Status, to) {
		return nil, eris.Wrapf(ErrIllegalTransition, "export %s: %s -> %s", taskID, t.Status, to)
	}
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	if err := e.store.UpdateExport(ctx, t); err != nil {
		return nil, eris.Wrapf(err, "governance: update export %s", taskID)
	}
	return t, nil
}

// Status summarizes the queue by status and destination.
type Status struct {
	ByStatus      map[model.ExportStatus]int            `json:"by_status"`
	ByDestination map[string]map[model.ExportStatus]int `json:"by_destination"`
	SentLast24h   int                                   `json:"sent_last_24h"`
	EstimatedCost float64                               `json:"estimated_cost_last_24h"`
}

// QueueStatus reports queue counts for the operator.
func (e *Exports) QueueStatus(ctx context.Context) (*Status, error) {
	tasks, err := e.store.ListExports(ctx, store.ExportFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "governance: list exports")
	}
	st := &Status{
		ByStatus:      make(map[model.ExportStatus]int),
		ByDestination: make(map[string]map[model.ExportStatus]int),
	}
	since := e.now().Add(-24 * time.Hour)
	for _, t := range tasks {
		st.ByStatus[t.Status]++
		if st.ByDestination[t.Destination] == nil {
			st.ByDestination[t.Destination] = make(map[model.ExportStatus]int)
		}
		st.ByDestination[t.Destination][t.Status]++
		if t.Status == model.ExportSent && t.SentAt != nil && t.SentAt.After(since) {
			st.SentLast24h++
			st.EstimatedCost += e.destinations[t.Destination].CostPerRecord
		}
	}
	return st, nil
}

func cancelReason(reason string) string {
	return "Source load quarantined: " + strings.TrimSpace(reason)
}
