// Package events derives typed business events from entity version
// transitions.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/license-recon/internal/history"
	"github.com/sells-group/license-recon/internal/model"
)

// DefaultHorizonDays is how far ahead EXPIRATION_APPROACHING looks.
const DefaultHorizonDays = 90

var eventNamespace = uuid.MustParse("9f2c6a71-4a0f-4f8e-8d59-3c1e7b5a2d40")

// Config tunes event derivation.
type Config struct {
	HorizonDays          int                       `yaml:"horizon_days" mapstructure:"horizon_days"`
	CredentialPriorities map[string]model.Priority `yaml:"credential_priorities" mapstructure:"credential_priorities"`
}

// Deriver turns transitions into change events. It holds no state beyond
// its configuration and is safe for concurrent use.
type Deriver struct {
	horizon     time.Duration
	credentials map[string]model.Priority
}

// NewDeriver creates a deriver.
func NewDeriver(cfg Config) *Deriver {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultHorizonDays
	}
	creds := make(map[string]model.Priority, len(cfg.CredentialPriorities))
	for k, v := range cfg.CredentialPriorities {
		creds[strings.ToLower(k)] = model.Priority(strings.ToUpper(string(v)))
	}
	return &Deriver{
		horizon:     time.Duration(cfg.HorizonDays) * 24 * time.Hour,
		credentials: creds,
	}
}

// Derive evaluates every rule against one transition. Transitions that only
// close a version produce no events.
func (d *Deriver) Derive(tr history.Transition, asOf time.Time) []model.ChangeEvent {
	cur := tr.Opened
	if cur == nil {
		return nil
	}
	at := cur.ValidFrom

	var out []model.ChangeEvent
	emit := func(t model.EventType, ts time.Time, p model.Priority, action, desc, prev, next string) {
		out = append(out, newEvent(cur, t, ts, p, action, desc, prev, next))
	}

	if tr.Previous == nil {
		emit(model.EventNewRecord, at, model.PriorityHigh, model.ActionOnboarding,
			"New license record", "", string(cur.Projection.Status))
	} else {
		prev, next := tr.Previous.Projection, cur.Projection
		d.statusRules(prev, next, func(t model.EventType, p model.Priority, action, desc string) {
			emit(t, at, p, action, desc, string(prev.Status), string(next.Status))
		})
		if addressChanged(prev, next) {
			emit(model.EventAddressChange, at, model.PriorityLow, model.ActionUpdateAddress,
				"Address changed", formatAddress(prev), formatAddress(next))
		}
		if regionChanged(prev, next) {
			emit(model.EventRegionChange, at, model.PriorityMedium, model.ActionReassign,
				"Region changed", prev.Region+"/"+prev.County, next.Region+"/"+next.County)
		}
		for _, c := range next.Certifications {
			if prev.HasCertification(c) {
				continue
			}
			emit(model.CredentialEvent(c), at, d.credentialPriority(c), model.ActionCredentialUpsell,
				fmt.Sprintf("New credential: %s", c), "false", "true")
		}
	}

	if e, ok := d.expiration(cur, asOf); ok {
		out = append(out, e)
	}
	return out
}

// Sweep emits EXPIRATION_APPROACHING for current versions whose expiration
// entered the horizon without any tracked change. Ids match what Derive
// would produce, so the store drops repeats.
func (d *Deriver) Sweep(current []model.EntityVersion, asOf time.Time) []model.ChangeEvent {
	var out []model.ChangeEvent
	for i := range current {
		if !current[i].IsCurrent() {
			continue
		}
		if e, ok := d.expiration(&current[i], asOf); ok {
			out = append(out, e)
		}
	}
	return out
}

func (d *Deriver) statusRules(prev, next model.Projection, emit func(model.EventType, model.Priority, string, string)) {
	if prev.Status == next.Status {
		return
	}
	switch {
	case prev.Status == model.StatusActive && next.Status == model.StatusLapsed:
		emit(model.EventStatusLapsed, model.PriorityMedium, model.ActionSuppressWinback, "License lapsed")
	case (prev.Status == model.StatusLapsed || prev.Status == model.StatusSuspended) && next.Status == model.StatusActive:
		emit(model.EventStatusReinstated, model.PriorityHigh, model.ActionReengagement, "License reinstated")
	}
	if next.Status.Terminal() {
		emit(model.EventStatusTerminal, model.PriorityCritical, model.ActionSuppress,
			fmt.Sprintf("License %s", strings.ToLower(string(next.Status))))
	}
}

func (d *Deriver) expiration(v *model.EntityVersion, asOf time.Time) (model.ChangeEvent, bool) {
	p := v.Projection
	if p.Status != model.StatusActive {
		return model.ChangeEvent{}, false
	}
	exp := p.Expiration()
	if exp.IsZero() {
		return model.ChangeEvent{}, false
	}
	day := truncateDay(asOf)
	if exp.Before(day) || exp.After(day.Add(d.horizon)) {
		return model.ChangeEvent{}, false
	}
	days := int(exp.Sub(day).Hours() / 24)
	return newEvent(v, model.EventExpirationApproaching, exp, model.PriorityMedium, model.ActionRenewalReminder,
		fmt.Sprintf("License expires in %d days", days), "", p.ExpirationDate), true
}

func (d *Deriver) credentialPriority(c string) model.Priority {
	if p, ok := d.credentials[strings.ToLower(c)]; ok && p != "" {
		return p
	}
	return model.PriorityMedium
}

func addressChanged(a, b model.Projection) bool {
	return a.AddressLine1 != b.AddressLine1 ||
		a.City != b.City ||
		a.Region != b.Region ||
		a.PostalCode != b.PostalCode ||
		a.County != b.County
}

func regionChanged(a, b model.Projection) bool {
	if b.Region != "" && a.Region != b.Region {
		return true
	}
	return b.County != "" && a.County != b.County
}

func formatAddress(p model.Projection) string {
	parts := make([]string, 0, 4)
	for _, s := range []string{p.AddressLine1, p.City, p.Region, p.PostalCode} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

func newEvent(v *model.EntityVersion, t model.EventType, ts time.Time, p model.Priority, action, desc, prev, next string) model.ChangeEvent {
	return model.ChangeEvent{
		EventID:           EventID(v.EntityID, ts, t),
		EntityID:          v.EntityID,
		ProviderID:        v.ProviderID,
		EventType:         t,
		EventTimestamp:    ts.UTC(),
		Description:       desc,
		PreviousValue:     prev,
		CurrentValue:      next,
		Priority:          p,
		RecommendedAction: action,
		LoadID:            v.LoadID,
	}
}

// EventID is the deterministic identity of an event.
func EventID(entityID string, ts time.Time, t model.EventType) string {
	key := entityID + "|" + ts.UTC().Format(time.RFC3339) + "|" + string(t)
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
