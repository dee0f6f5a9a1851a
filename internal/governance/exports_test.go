package governance

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/store"
)

func golden(num string, confidence int, email string) model.GoldenRecord {
	g := model.GoldenRecord{
		EntityID:        "TX:dentist:" + num,
		ProviderID:      "REG" + num,
		LicenseKey:      model.LicenseKey{Jurisdiction: "TX", ProfessionalType: "dentist", LicenseNumber: num},
		FirstName:       "Jane",
		LastName:        "Smith",
		Status:          model.StatusActive,
		MatchConfidence: confidence,
	}
	if email != "" {
		g.Email = &email
	}
	return g
}

func candidates(records ...model.GoldenRecord) []Candidate {
	out := make([]Candidate, len(records))
	for i, r := range records {
		out[i] = Candidate{Record: r}
	}
	return out
}

func TestExports_EnqueueAutoApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")

	res, err := h.exports.Enqueue(ctx, "ghl", load.LoadID, candidates(
		golden("1", 95, "a@x.com"),
		golden("2", 60, "b@x.com"),
		model.GoldenRecord{EntityID: "TX:dentist:3"},
	))
	require.NoError(t, err)
	assert.Equal(t, EnqueueResult{Queued: 2, AutoApproved: 1, Skipped: 1}, res)

	tasks, err := h.store.ListExports(ctx, store.ExportFilter{LoadID: load.LoadID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	byProvider := map[string]model.ExportTask{}
	for _, task := range tasks {
		byProvider[task.ProviderID] = task
	}
	hi := byProvider["REG1"]
	assert.Equal(t, model.ExportApproved, hi.Status)
	assert.Equal(t, ApprovedByAuto, hi.ApprovedBy)
	assert.Equal(t, "a@x.com", hi.Email)
	assert.Equal(t, "1", hi.LicenseNumber)
	assert.Equal(t, "Jane", hi.Payload["first_name"])
	assert.Equal(t, model.ExportQueued, byProvider["REG2"].Status)
}

func TestExports_EnqueueSkipsOpenDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")

	_, err := h.exports.Enqueue(ctx, "ghl", load.LoadID, candidates(golden("1", 95, "")))
	require.NoError(t, err)
	res, err := h.exports.Enqueue(ctx, "ghl", load.LoadID, candidates(golden("1", 95, "")))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Queued)

	// Another destination is independent.
	res, err = h.exports.Enqueue(ctx, "webhook", load.LoadID, candidates(golden("1", 95, "")))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)

	_, err = h.exports.Enqueue(ctx, "fax", load.LoadID, nil)
	assert.Error(t, err)
}

func TestExports_EnqueueDelayedDestination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")

	res, err := h.exports.Enqueue(ctx, "lob_postcard", load.LoadID, candidates(golden("1", 99, "")))
	require.NoError(t, err)
	assert.Equal(t, 0, res.AutoApproved)

	tasks, err := h.store.ListExports(ctx, store.ExportFilter{Destination: "lob_postcard"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, model.ExportQueued, task.Status)
	require.NotNil(t, task.ScheduledFor)
	assert.True(t, task.ScheduledFor.Equal(h.clock.Now().Add(24*time.Hour)))

	n, err := h.exports.Approve(ctx, ApproveRequest{Destination: "lob_postcard", MinConfidence: 95, Approver: "ops"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := h.store.GetExport(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.ExportScheduled, got.Status)
	assert.Equal(t, "ops", got.ApprovedBy)

	ready, err := h.exports.ReadyToSend(ctx, "lob_postcard", h.clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = h.exports.ReadyToSend(ctx, "lob_postcard", h.clock.Now().Add(25*time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestExports_ApproveByIDAndConfidence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")
	low := h.addTask(t, load.LoadID, "ghl", "p1", model.ExportQueued)
	low.Confidence = 50
	require.NoError(t, h.store.UpdateExport(ctx, low))
	high := h.addTask(t, load.LoadID, "ghl", "p2", model.ExportQueued)

	n, err := h.exports.Approve(ctx, ApproveRequest{MinConfidence: 80})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := h.store.GetExport(ctx, high.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "manual", got.ApprovedBy)

	n, err = h.exports.Approve(ctx, ApproveRequest{TaskIDs: []string{low.TaskID, high.TaskID}, Approver: "lead"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.exports.Approve(ctx, ApproveRequest{TaskIDs: []string{"missing"}})
	assert.True(t, eris.Is(err, store.ErrNotFound))
}

// An approved task whose email is later suppressed is not sent.
func TestExports_ReadyToSendExcludesSuppressed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")

	res, err := h.exports.Enqueue(ctx, "ghl", load.LoadID, candidates(
		golden("1", 95, "jane@example.com"),
		golden("2", 95, "joe@example.com"),
	))
	require.NoError(t, err)
	require.Equal(t, 2, res.AutoApproved)

	sup := NewSuppressions(h.store)
	require.NoError(t, sup.Add(ctx, &model.SuppressionEntry{Email: " Jane@Example.com ", Reason: "unsubscribed"}))

	ready, err := h.exports.ReadyToSend(ctx, "ghl", h.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "REG2", ready[0].ProviderID)

	// New candidates with a suppressed email are never queued.
	res, err = h.exports.Enqueue(ctx, "webhook", load.LoadID, candidates(golden("1", 95, "jane@example.com")))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Suppressed)
	assert.Equal(t, 0, res.Queued)
}

func TestExports_ReadyToSendRequiresPromotedLoad(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load, err := h.loads.Register(ctx, "tx_license", "tx.csv", 1200)
	require.NoError(t, err)
	h.addTask(t, load.LoadID, "ghl", "p1", model.ExportApproved)
	h.addTask(t, "unknown-load", "ghl", "p2", model.ExportApproved)

	ready, err := h.exports.ReadyToSend(ctx, "ghl", h.clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, ready)

	_, err = h.loads.Validate(ctx, load.LoadID, txBatch(1200))
	require.NoError(t, err)
	_, err = h.loads.Promote(ctx, load.LoadID, "ops")
	require.NoError(t, err)

	ready, err = h.exports.ReadyToSend(ctx, "ghl", h.clock.Now(), 0)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestExports_ReadyToSendInactiveDestination(t *testing.T) {
	h := newHarness(t)
	dests := DefaultDestinations()
	ghl := dests["ghl"]
	ghl.Active = false
	dests["ghl"] = ghl
	h.exports.destinations = dests
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")
	h.addTask(t, load.LoadID, "ghl", "p1", model.ExportApproved)

	ready, err := h.exports.ReadyToSend(ctx, "ghl", h.clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestExports_SendLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")
	task := h.addTask(t, load.LoadID, "ghl", "p1", model.ExportApproved)

	require.NoError(t, h.exports.RecordAttempt(ctx, task.TaskID, "503", "unavailable"))
	sent, err := h.exports.MarkSent(ctx, task.TaskID, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExportSent, sent.Status)
	assert.Equal(t, 2, sent.Attempts)
	assert.Equal(t, "ext-1", sent.ExternalID)
	assert.Empty(t, sent.ErrorCode)

	_, err = h.exports.Cancel(ctx, task.TaskID, "late")
	assert.True(t, eris.Is(err, ErrIllegalTransition))

	rev, err := h.exports.Reverse(ctx, task.TaskID, "wrong person", h.reverser)
	require.NoError(t, err)
	assert.Equal(t, model.ExportReversed, rev.Status)
	assert.Equal(t, []string{task.TaskID}, h.reverser.calls)

	_, err = h.exports.Reverse(ctx, task.TaskID, "again", h.reverser)
	assert.True(t, eris.Is(err, ErrIllegalTransition))
}

func TestExports_FailAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")
	a := h.addTask(t, load.LoadID, "instantly", "p1", model.ExportApproved)
	b := h.addTask(t, load.LoadID, "instantly", "p2", model.ExportQueued)

	failed, err := h.exports.MarkFailed(ctx, a.TaskID, "422", "bad email")
	require.NoError(t, err)
	assert.Equal(t, model.ExportFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "422", failed.ErrorCode)

	cancelled, err := h.exports.Cancel(ctx, b.TaskID, "operator")
	require.NoError(t, err)
	assert.Equal(t, model.ExportCancelled, cancelled.Status)

	_, err = h.exports.Schedule(ctx, b.TaskID, h.clock.Now())
	assert.True(t, eris.Is(err, ErrIllegalTransition))
}

func TestExports_ReverseNonReversibleDestination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")
	task := h.addTask(t, load.LoadID, "instantly", "p1", model.ExportSent)

	_, err := h.exports.Reverse(ctx, task.TaskID, "oops", h.reverser)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support reversal")
	assert.Empty(t, h.reverser.calls)
}

func TestExports_QueueStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	load := h.promotedLoad(t, "tx.csv")
	h.addTask(t, load.LoadID, "ghl", "p1", model.ExportQueued)
	a := h.addTask(t, load.LoadID, "lob_letter", "p2", model.ExportApproved)
	_, err := h.exports.MarkSent(ctx, a.TaskID, "ltr_1")
	require.NoError(t, err)

	st, err := h.exports.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ByStatus[model.ExportQueued])
	assert.Equal(t, 1, st.ByStatus[model.ExportSent])
	assert.Equal(t, 1, st.ByDestination["lob_letter"][model.ExportSent])
	assert.Equal(t, 1, st.SentLast24h)
	assert.InDelta(t, 1.50, st.EstimatedCost, 1e-9)
}

func TestCanMoveExport(t *testing.T) {
	assert.True(t, canMoveExport(model.ExportQueued, model.ExportApproved))
	assert.True(t, canMoveExport(model.ExportSent, model.ExportReversed))
	assert.False(t, canMoveExport(model.ExportQueued, model.ExportSent))
	assert.False(t, canMoveExport(model.ExportCancelled, model.ExportQueued))
	assert.False(t, canMoveExport(model.ExportReversed, model.ExportSent))
	assert.False(t, canMoveExport(model.ExportFailed, model.ExportSent))
}
