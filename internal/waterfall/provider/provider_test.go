package provider

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/license-recon/internal/model"
)

// mockProvider implements Provider for testing.
type mockProvider struct {
	name   string
	source string
	fields []model.Field
	values map[model.Field]string
	err    error

	mu    sync.Mutex
	calls int
}

func (m *mockProvider) Name() string                   { return m.name }
func (m *mockProvider) Source() string                 { return m.source }
func (m *mockProvider) SupportedFields() []model.Field { return m.fields }
func (m *mockProvider) CanProvide(f model.Field) bool  { return slices.Contains(m.fields, f) }
func (m *mockProvider) Query(_ context.Context, l Lookup) (*model.EnrichmentFact, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &model.EnrichmentFact{
		EntityID:   l.EntityID,
		Source:     m.source,
		ObservedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Values:     m.values,
	}, nil
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	assert.NotNil(t, r)
	assert.Empty(t, r.List())
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProvider{name: "apollo", source: model.SourceB2B})

	got := r.Get("apollo")
	assert.NotNil(t, got)
	assert.Equal(t, model.SourceB2B, got.Source())
	assert.Nil(t, r.Get("nonexistent"))
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProvider{name: "zoominfo"})
	r.Register(&mockProvider{name: "apollo"})

	assert.Equal(t, []string{"apollo", "zoominfo"}, r.List())
}

func TestRegistry_For(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProvider{name: "apollo", fields: []model.Field{model.FieldEmail, model.FieldTitle}})
	r.Register(&mockProvider{name: "proxycurl", fields: []model.Field{model.FieldLinkedInURL}})

	got := r.For([]model.Field{model.FieldEmail})
	assert.Len(t, got, 1)
	assert.Equal(t, "apollo", got[0].Name())

	assert.Len(t, r.For([]model.Field{model.FieldEmail, model.FieldLinkedInURL}), 2)
	assert.Empty(t, r.For([]model.Field{model.FieldWebsite}))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(&mockProvider{name: "provider"})
		}()
		go func() {
			defer wg.Done()
			_ = r.Get("provider")
			_ = r.List()
		}()
	}
	wg.Wait()

	assert.Len(t, r.List(), 1)
}

func TestLookupFor(t *testing.T) {
	id := "1234567890"
	g := model.GoldenRecord{
		EntityID:   "TX:dentist:1",
		FirstName:  "JANE",
		LastName:   "DOE",
		LicenseKey: model.LicenseKey{Jurisdiction: "TX", ProfessionalType: "dentist", LicenseNumber: "1"},
		Address:    model.Address{City: "Austin", Region: "TX", PostalCode: "78701-1234"},
		RegistryID: &id,
	}
	l := LookupFor(g)
	assert.Equal(t, "78701", l.PostalCode)
	assert.Equal(t, id, l.RegistryID)
	assert.Equal(t, "1", l.LicenseNumber)
}
