package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/config"
	"github.com/sells-group/license-recon/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"cycle", "load", "export", "suppress", "events", "facts", "budget", "serve", "migrate"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "license-recon", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCycleCommand_Flags(t *testing.T) {
	for _, name := range []string{"only", "no-enrich", "dry-run"} {
		assert.NotNil(t, cycleCmd.Flags().Lookup(name), "cycle should have --%s flag", name)
	}
}

func TestLoadCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range loadCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "promote", "promote-due", "quarantine"} {
		assert.True(t, names[name], "load should have subcommand %q", name)
	}
}

func TestLoadListCommand_Flags(t *testing.T) {
	flag := loadListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
	assert.NotNil(t, loadListCmd.Flags().Lookup("status"))
	assert.NotNil(t, loadListCmd.Flags().Lookup("source"))
}

func TestLoadQuarantineCommand_Flags(t *testing.T) {
	for _, name := range []string{"reason", "actor", "reverse-sent"} {
		assert.NotNil(t, loadQuarantineCmd.Flags().Lookup(name), "quarantine should have --%s flag", name)
	}
}

func TestExportCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range exportCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"queue", "approve", "send", "status", "cancel", "reverse", "dlq"} {
		assert.True(t, names[name], "export should have subcommand %q", name)
	}
}

func TestExportQueueCommand_DefaultEventTypes(t *testing.T) {
	flag := exportQueueCmd.Flags().Lookup("event-type")
	require.NotNil(t, flag)
	assert.Equal(t, "[NEW_RECORD,STATUS_REINSTATED]", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestSuppressCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range suppressCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"add", "list", "remove"} {
		assert.True(t, names[name], "suppress should have subcommand %q", name)
	}
}

func TestFormatLoads(t *testing.T) {
	delta := -0.125
	loads := []model.DataLoad{
		{LoadID: "load-1", SourceType: "tx_license", Status: model.LoadPromoted, RowCount: 1200,
			RowCountDelta: &delta, CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
		{LoadID: "load-2", SourceType: "wa_license", Status: model.LoadPending, RowCount: 40,
			CreatedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}

	var buf bytes.Buffer
	formatLoads(&buf, loads)
	out := buf.String()

	assert.Contains(t, out, "LOAD ID")
	assert.Contains(t, out, "load-1")
	assert.Contains(t, out, "-12.5%")
	assert.Contains(t, out, "2026-03-01 09:30")
	assert.Contains(t, out, "wa_license")
}

func TestCredentialPriorities(t *testing.T) {
	got := credentialPriorities(map[string]string{"dentist": "HIGH", "hygienist": "MEDIUM"})
	assert.Equal(t, model.Priority("HIGH"), got["dentist"])
	assert.Equal(t, model.Priority("MEDIUM"), got["hygienist"])
}

func TestBudgetSources_SortedAndDeduplicated(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = &config.Config{
		Enrichment: config.EnrichmentConfig{Providers: []config.ProviderConfig{{Name: "zeta"}, {Name: "alpha"}}},
		Budget:     config.BudgetConfig{PerSource: map[string]float64{"alpha": 10, "mid": 5}},
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, budgetSources())
}

func TestCostCalculator_UsesConfiguredCredits(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = &config.Config{
		Enrichment: config.EnrichmentConfig{Providers: []config.ProviderConfig{{Name: "contactco", Credits: 2.5}}},
	}
	calc := costCalculator(map[string]model.Destination{
		"crm": {Name: "crm", CostPerRecord: 0.04},
	})
	assert.InDelta(t, 2.5, calc.Lookup("contactco"), 1e-9)
	assert.InDelta(t, 0.4, calc.Export("crm", 10), 1e-9)
}

func TestDestinationClients_SkipsDestinationsWithoutURL(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = &config.Config{Export: config.ExportConfig{TimeoutSecs: 5}}
	clients := destinationClients(map[string]model.Destination{
		"crm":   {Name: "crm", URL: "http://localhost:9999/records"},
		"email": {Name: "email"},
	})
	assert.Contains(t, clients, "crm")
	assert.NotContains(t, clients, "email")
}

func TestPromoteScheduler(t *testing.T) {
	c, err := promoteScheduler(context.Background(), &appEnv{}, "@every 15m")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = promoteScheduler(context.Background(), &appEnv{}, "not a schedule")
	assert.Error(t, err)
}
