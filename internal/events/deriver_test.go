package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/license-recon/internal/history"
	"github.com/sells-group/license-recon/internal/model"
)

var (
	t0   = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	t1   = time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	asOf = t1
)

func base() model.Projection {
	return model.Projection{
		Status:         model.StatusActive,
		StatusCode:     "20",
		ExpirationDate: "2025-03-01",
		AddressLine1:   "1 Main St",
		City:           "Austin",
		Region:         "TX",
		PostalCode:     "78701",
		County:         "TRAVIS",
	}
}

func transition(t *testing.T, prev, next model.Projection) history.Transition {
	t.Helper()
	s := history.NewShard()
	_, _, err := s.Observe("TX:dentist:1", "TX-1", "l1", prev, t0)
	require.NoError(t, err)
	tr, changed, err := s.Observe("TX:dentist:1", "TX-1", "l2", next, t1)
	require.NoError(t, err)
	require.True(t, changed)
	return tr
}

func types(evts []model.ChangeEvent) []model.EventType {
	out := make([]model.EventType, len(evts))
	for i, e := range evts {
		out[i] = e.EventType
	}
	return out
}

func TestDerive_NewRecord(t *testing.T) {
	s := history.NewShard()
	tr, _, err := s.Observe("TX:dentist:1", "TX-1", "l1", base(), t0)
	require.NoError(t, err)

	evts := NewDeriver(Config{}).Derive(tr, t0)
	require.Len(t, evts, 1)
	assert.Equal(t, model.EventNewRecord, evts[0].EventType)
	assert.Equal(t, model.PriorityHigh, evts[0].Priority)
	assert.Equal(t, model.ActionOnboarding, evts[0].RecommendedAction)
	assert.Equal(t, "TX-1", evts[0].ProviderID)
	assert.Equal(t, "l1", evts[0].LoadID)
}

func TestDerive_Lapsed(t *testing.T) {
	next := base()
	next.Status = model.StatusLapsed
	next.StatusCode = "45"

	evts := NewDeriver(Config{}).Derive(transition(t, base(), next), asOf)
	require.Len(t, evts, 1)
	assert.Equal(t, model.EventStatusLapsed, evts[0].EventType)
	assert.Equal(t, model.PriorityMedium, evts[0].Priority)
	assert.Equal(t, "ACTIVE", evts[0].PreviousValue)
	assert.Equal(t, "LAPSED", evts[0].CurrentValue)
	assert.Equal(t, t1, evts[0].EventTimestamp)
}

func TestDerive_Reinstated(t *testing.T) {
	for _, from := range []model.StatusCategory{model.StatusLapsed, model.StatusSuspended} {
		prev := base()
		prev.Status = from
		prev.ExpirationDate = ""
		next := base()
		next.ExpirationDate = ""

		evts := NewDeriver(Config{}).Derive(transition(t, prev, next), asOf)
		assert.Equal(t, []model.EventType{model.EventStatusReinstated}, types(evts), string(from))
	}
}

func TestDerive_ExpiredToActiveIsNotReinstated(t *testing.T) {
	prev := base()
	prev.Status = model.StatusExpired
	prev.ExpirationDate = ""
	next := base()
	next.ExpirationDate = ""
	assert.Empty(t, NewDeriver(Config{}).Derive(transition(t, prev, next), asOf))
}

func TestDerive_Terminal(t *testing.T) {
	next := base()
	next.Status = model.StatusDeceased
	evts := NewDeriver(Config{}).Derive(transition(t, base(), next), asOf)
	require.Len(t, evts, 1)
	assert.Equal(t, model.EventStatusTerminal, evts[0].EventType)
	assert.Equal(t, model.PriorityCritical, evts[0].Priority)
	assert.Equal(t, model.ActionSuppress, evts[0].RecommendedAction)
}

func TestDerive_TerminalToOtherTerminal(t *testing.T) {
	prev := base()
	prev.Status = model.StatusDeceased
	next := base()
	next.Status = model.StatusClosed

	evts := NewDeriver(Config{}).Derive(transition(t, prev, next), asOf)
	require.Len(t, evts, 1)
	assert.Equal(t, model.EventStatusTerminal, evts[0].EventType)
	assert.Equal(t, "DECEASED", evts[0].PreviousValue)
	assert.Equal(t, "CLOSED", evts[0].CurrentValue)
}

func TestDerive_ResumedEntityIsNotNew(t *testing.T) {
	prev := base()
	prev.Status = model.StatusLapsed
	prev.ExpirationDate = ""
	next := base()
	next.ExpirationDate = ""

	s := history.NewShard()
	_, _, err := s.Observe("TX:dentist:1", "TX-1", "l1", prev, t0)
	require.NoError(t, err)
	s.CloseMissing(map[string]struct{}{}, t0.Add(24*time.Hour))
	tr, _, err := s.Observe("TX:dentist:1", "TX-1", "l2", next, t1)
	require.NoError(t, err)
	require.True(t, tr.Resumed)

	evts := NewDeriver(Config{}).Derive(tr, asOf)
	assert.Equal(t, []model.EventType{model.EventStatusReinstated}, types(evts))
}

func TestDerive_AddressAndRegion(t *testing.T) {
	next := base()
	next.AddressLine1 = "2 Elm St"
	evts := NewDeriver(Config{}).Derive(transition(t, base(), next), asOf)
	assert.Equal(t, []model.EventType{model.EventAddressChange}, types(evts))
	assert.Equal(t, model.PriorityLow, evts[0].Priority)

	next.County = "WILLIAMSON"
	evts = NewDeriver(Config{}).Derive(transition(t, base(), next), asOf)
	assert.Equal(t, []model.EventType{model.EventAddressChange, model.EventRegionChange}, types(evts))

	// clearing the county is an address change but not a region change
	next = base()
	next.County = ""
	evts = NewDeriver(Config{}).Derive(transition(t, base(), next), asOf)
	assert.Equal(t, []model.EventType{model.EventAddressChange}, types(evts))
}

func TestDerive_Credentials(t *testing.T) {
	prev := base()
	prev.Certifications = []string{"implants"}
	next := base()
	next.Certifications = []string{"implants", "sedation", "whitening"}

	d := NewDeriver(Config{CredentialPriorities: map[string]model.Priority{"SEDATION": "high"}})
	evts := d.Derive(transition(t, prev, next), asOf)
	require.Len(t, evts, 2)
	assert.Equal(t, model.EventType("NEW_CREDENTIAL_SEDATION"), evts[0].EventType)
	assert.Equal(t, model.PriorityHigh, evts[0].Priority)
	assert.Equal(t, model.EventType("NEW_CREDENTIAL_WHITENING"), evts[1].EventType)
	assert.Equal(t, model.PriorityMedium, evts[1].Priority)
	assert.True(t, evts[0].EventType.IsCredential())

	// losing a credential emits nothing
	assert.Empty(t, d.Derive(transition(t, next, prev), asOf))
}

func TestDerive_MultipleRulesFire(t *testing.T) {
	next := base()
	next.Status = model.StatusClosed
	next.City = "Dallas"
	evts := NewDeriver(Config{}).Derive(transition(t, base(), next), asOf)
	assert.ElementsMatch(t, []model.EventType{model.EventStatusTerminal, model.EventAddressChange}, types(evts))
}

func TestDerive_ExpirationApproaching(t *testing.T) {
	prev := base()
	next := base()
	next.ExpirationDate = "2025-04-30"

	d := NewDeriver(Config{})
	evts := d.Derive(transition(t, prev, next), asOf)
	require.Len(t, evts, 1)
	e := evts[0]
	assert.Equal(t, model.EventExpirationApproaching, e.EventType)
	assert.Equal(t, time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC), e.EventTimestamp)
	assert.Equal(t, "2025-04-30", e.CurrentValue)

	// outside the horizon
	next.ExpirationDate = "2025-12-31"
	assert.Empty(t, d.Derive(transition(t, prev, next), asOf))
	assert.Len(t, NewDeriver(Config{HorizonDays: 365}).Derive(transition(t, prev, next), asOf), 1)

	// not active
	next.ExpirationDate = "2025-04-30"
	next.Status = model.StatusLapsed
	assert.Equal(t, []model.EventType{model.EventStatusLapsed}, types(d.Derive(transition(t, prev, next), asOf)))
}

func TestDerive_ClosingTransitionEmitsNothing(t *testing.T) {
	s := history.NewShard()
	_, _, err := s.Observe("e", "p", "l1", base(), t0)
	require.NoError(t, err)
	trs := s.CloseMissing(map[string]struct{}{}, t1)
	require.Len(t, trs, 1)
	assert.Empty(t, NewDeriver(Config{}).Derive(trs[0], asOf))
}

func TestDerive_Idempotent(t *testing.T) {
	next := base()
	next.Status = model.StatusLapsed
	tr := transition(t, base(), next)
	d := NewDeriver(Config{})

	first := d.Derive(tr, asOf)
	second := d.Derive(tr, asOf)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].EventID, second[i].EventID)
	}
}

func TestSweep_MatchesDeriveIDs(t *testing.T) {
	s := history.NewShard()
	p := base()
	p.ExpirationDate = "2025-05-20"
	tr, _, err := s.Observe("e", "p", "l1", p, t0)
	require.NoError(t, err)

	d := NewDeriver(Config{})
	// too far out when first observed
	assert.Equal(t, []model.EventType{model.EventNewRecord}, types(d.Derive(tr, t0)))

	cur, ok := s.Current("e")
	require.True(t, ok)
	swept := d.Sweep([]model.EntityVersion{cur}, asOf)
	require.Len(t, swept, 1)
	assert.Equal(t, EventID("e", time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC), model.EventExpirationApproaching), swept[0].EventID)

	again := d.Sweep([]model.EntityVersion{cur}, asOf.Add(72*time.Hour))
	require.Len(t, again, 1)
	assert.Equal(t, swept[0].EventID, again[0].EventID)
}

func TestEventID(t *testing.T) {
	a := EventID("e", t1, model.EventNewRecord)
	assert.Equal(t, a, EventID("e", t1.In(time.FixedZone("x", -5*3600)), model.EventNewRecord))
	assert.NotEqual(t, a, EventID("e", t1, model.EventStatusLapsed))
	assert.NotEqual(t, a, EventID("f", t1, model.EventNewRecord))
}
