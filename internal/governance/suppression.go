package governance

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/store"
)

// Suppressions manages the do-not-contact list.
type Suppressions struct {
	store store.Store
	now   func() time.Time
}

// NewSuppressions creates a suppression manager.
func NewSuppressions(st store.Store) *Suppressions {
	return &Suppressions{store: st, now: time.Now}
}

// Add normalizes and stores an entry. At least one identifier is required.
func (s *Suppressions) Add(ctx context.Context, e *model.SuppressionEntry) error {
	e.Email = strings.ToLower(strings.TrimSpace(e.Email))
	e.Phone = digits(e.Phone)
	e.LicenseNumber = strings.TrimSpace(e.LicenseNumber)
	e.RegistryID = strings.TrimSpace(e.RegistryID)
	if e.Email == "" && e.Phone == "" && e.LicenseNumber == "" && e.RegistryID == "" {
		return eris.New("governance: suppression needs an email, phone, license number or registry id")
	}
	if e.Reason == "" {
		e.Reason = "manual"
	}
	e.Active = true
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	return eris.Wrap(s.store.AddSuppression(ctx, e), "governance: add suppression")
}

// Deactivate turns an entry off without deleting it.
func (s *Suppressions) Deactivate(ctx context.Context, id string) error {
	return eris.Wrapf(s.store.DeactivateSuppression(ctx, id), "governance: deactivate suppression %s", id)
}

// Check returns the first entry blocking the task, or nil.
func (s *Suppressions) Check(ctx context.Context, task model.ExportTask) (*model.SuppressionEntry, error) {
	entries, err := s.store.ListSuppressions(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "governance: list suppressions")
	}
	return firstSuppression(entries, task, s.now()), nil
}

// firstSuppression finds an in-effect entry scoped to the task's destination
// (or global) that shares an identifier with the task.
func firstSuppression(entries []model.SuppressionEntry, task model.ExportTask, now time.Time) *model.SuppressionEntry {
	email := strings.ToLower(strings.TrimSpace(task.Email))
	phone := digits(task.Phone)
	for i := range entries {
		e := entries[i]
		if !e.InEffect(now) {
			continue
		}
		if e.Destination != "" && e.Destination != task.Destination {
			continue
		}
		switch {
		case e.Email != "" && strings.EqualFold(e.Email, email):
		case e.Phone != "" && digits(e.Phone) == phone:
		case e.LicenseNumber != "" && e.LicenseNumber == strings.TrimSpace(task.LicenseNumber):
		case e.RegistryID != "" && e.RegistryID == strings.TrimSpace(task.RegistryID):
		default:
			continue
		}
		return &entries[i]
	}
	return nil
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
