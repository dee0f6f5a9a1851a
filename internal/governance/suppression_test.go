package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/license-recon/internal/model"
)

func TestSuppressions_AddNormalizes(t *testing.T) {
	st := newTestStore(t)
	sup := NewSuppressions(st)
	ctx := context.Background()

	e := &model.SuppressionEntry{Email: "  Jane@Example.COM", Phone: "(512) 555-0100"}
	require.NoError(t, sup.Add(ctx, e))
	assert.Equal(t, "jane@example.com", e.Email)
	assert.Equal(t, "5125550100", e.Phone)
	assert.Equal(t, "manual", e.Reason)
	assert.True(t, e.Active)
	assert.NotEmpty(t, e.ID)

	assert.Error(t, sup.Add(ctx, &model.SuppressionEntry{Reason: "nothing"}))
}

func TestSuppressions_CheckAndDeactivate(t *testing.T) {
	st := newTestStore(t)
	sup := NewSuppressions(st)
	ctx := context.Background()

	e := &model.SuppressionEntry{LicenseNumber: "12345"}
	require.NoError(t, sup.Add(ctx, e))

	task := model.ExportTask{Destination: "ghl", LicenseNumber: "12345"}
	hit, err := sup.Check(ctx, task)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, e.ID, hit.ID)

	require.NoError(t, sup.Deactivate(ctx, e.ID))
	hit, err = sup.Check(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestFirstSuppression(t *testing.T) {
	expired := t0.Add(-time.Hour)
	later := t0.Add(time.Hour)
	entries := []model.SuppressionEntry{
		{ID: "expired", Email: "old@x.com", Active: true, ExpiresAt: &expired},
		{ID: "inactive", Email: "off@x.com", Active: false},
		{ID: "lob-only", Phone: "5125550100", Destination: "lob_letter", Active: true},
		{ID: "global-email", Email: "jane@x.com", Active: true, ExpiresAt: &later},
		{ID: "registry", RegistryID: "1234567890", Active: true},
	}

	tests := []struct {
		name string
		task model.ExportTask
		want string
	}{
		{"email case-insensitive", model.ExportTask{Destination: "ghl", Email: "JANE@x.com"}, "global-email"},
		{"expired entry ignored", model.ExportTask{Destination: "ghl", Email: "old@x.com"}, ""},
		{"inactive entry ignored", model.ExportTask{Destination: "ghl", Email: "off@x.com"}, ""},
		{"destination scoped miss", model.ExportTask{Destination: "ghl", Phone: "512-555-0100"}, ""},
		{"destination scoped hit", model.ExportTask{Destination: "lob_letter", Phone: "512.555.0100"}, "lob-only"},
		{"registry id", model.ExportTask{Destination: "webhook", RegistryID: "1234567890"}, "registry"},
		{"no identifiers", model.ExportTask{Destination: "ghl"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstSuppression(entries, tt.task, t0)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestMergeDestinations(t *testing.T) {
	merged, err := MergeDestinations(map[string]map[string]any{
		"ghl": {"cost_per_record": 0.02},
		"fax": {"cost_per_record": "0.10", "active": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "ghl", merged["ghl"].Name)
	assert.InDelta(t, 0.02, merged["ghl"].CostPerRecord, 1e-9)
	assert.InDelta(t, 0.10, merged["fax"].CostPerRecord, 1e-9)
	assert.Equal(t, model.ChannelLowRisk, merged["fax"].Channel)
	assert.True(t, merged["fax"].Active)
	assert.False(t, merged["fax"].Reversible)
	assert.Contains(t, merged, "lob_letter")
	assert.Equal(t, []string{"fax", "ghl", "instantly", "lob_letter", "lob_postcard", "webhook"}, destinationNames(merged))
}

func TestMergeDestinations_URLOnlyKeepsDefaultPolicy(t *testing.T) {
	merged, err := MergeDestinations(map[string]map[string]any{
		"ghl": {"url": "https://crm.example.com/hooks/contacts"},
	})
	require.NoError(t, err)

	ghl := merged["ghl"]
	def := DefaultDestinations()["ghl"]
	assert.Equal(t, "https://crm.example.com/hooks/contacts", ghl.URL)
	assert.True(t, ghl.Active)
	assert.True(t, ghl.Reversible)
	assert.True(t, ghl.AutoApprove)
	assert.Equal(t, def.MinConfidenceForAuto, ghl.MinConfidenceForAuto)
	assert.Equal(t, def.Channel, ghl.Channel)
}

func TestMergeDestinations_ExplicitFalseOverridesDefault(t *testing.T) {
	merged, err := MergeDestinations(map[string]map[string]any{
		"instantly": {"active": false, "rate_limit_per_day": "250"},
	})
	require.NoError(t, err)
	assert.False(t, merged["instantly"].Active)
	assert.Equal(t, 250, merged["instantly"].RateLimitPerDay)
	assert.Equal(t, 85, merged["instantly"].MinConfidenceForAuto)
}

func TestMergeDestinations_UnknownKey(t *testing.T) {
	_, err := MergeDestinations(map[string]map[string]any{
		"ghl": {"min_confidense": 80},
	})
	assert.Error(t, err)
}
