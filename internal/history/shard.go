// Package history keeps the append-only version history of tracked entity
// columns and reports the transitions each ingestion cycle produces.
package history

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
)

// ErrNonMonotonic is returned when an observation predates the entity's
// current version.
var ErrNonMonotonic = eris.New("history: observation is not after current version")

var versionNamespace = uuid.MustParse("5b0c3a4e-93a1-4d4e-9a0e-2f9f1b1d6c11")

// Transition describes one change to an entity's history. Previous is the
// version closed by the change, Opened the version it started. A new entity
// has no Previous; an entity missing from its source has no Opened.
// Resumed marks an entity returning after it went missing: Previous is its
// last version, which was already closed and must not be closed again.
type Transition struct {
	EntityID string
	Previous *model.EntityVersion
	Opened   *model.EntityVersion
	Resumed  bool
}

// IsNew reports whether the transition created the entity's first version.
func (t Transition) IsNew() bool { return t.Previous == nil && t.Opened != nil }

// Closes reports whether Previous was closed by this transition.
func (t Transition) Closes() bool { return t.Previous != nil && !t.Resumed }

// Shard holds the history of a subset of entities. A shard is owned by a
// single goroutine and is not safe for concurrent use.
type Shard struct {
	versions []model.EntityVersion
	current  map[string]int
	// retired indexes the last closed version of entities with no open one.
	retired map[string]int
}

// NewShard creates an empty shard.
func NewShard() *Shard {
	return &Shard{current: make(map[string]int), retired: make(map[string]int)}
}

// Len returns the number of versions held, open and closed.
func (s *Shard) Len() int { return len(s.versions) }

// Current returns the open version of an entity.
func (s *Shard) Current(entityID string) (model.EntityVersion, bool) {
	i, ok := s.current[entityID]
	if !ok {
		return model.EntityVersion{}, false
	}
	return s.versions[i], true
}

// Hydrate seeds the shard with previously persisted versions. Current
// versions drive change detection; the latest closed version of an entity
// with no current one lets a returning entity resume its history.
func (s *Shard) Hydrate(versions ...model.EntityVersion) {
	for _, v := range versions {
		s.versions = append(s.versions, v)
		i := len(s.versions) - 1
		if v.IsCurrent() {
			s.current[v.EntityID] = i
			delete(s.retired, v.EntityID)
			continue
		}
		if _, open := s.current[v.EntityID]; open {
			continue
		}
		if j, ok := s.retired[v.EntityID]; !ok || v.ValidTo.After(*s.versions[j].ValidTo) {
			s.retired[v.EntityID] = i
		}
	}
}

// Observe records the tracked projection of an entity as of at. It returns
// changed=false when the projection equals the current version.
func (s *Shard) Observe(entityID, providerID, loadID string, p model.Projection, at time.Time) (Transition, bool, error) {
	at = at.UTC()
	i, ok := s.current[entityID]
	if !ok {
		return s.resume(entityID, providerID, loadID, p, at)
	}

	cur := s.versions[i]
	if cur.Projection.Equal(p) {
		return Transition{}, false, nil
	}
	if !at.After(cur.ValidFrom) {
		return Transition{}, false, eris.Wrapf(ErrNonMonotonic, "entity %s at %s", entityID, at.Format(time.RFC3339))
	}

	prev := s.close(i, at)
	opened := s.open(entityID, providerID, loadID, p, at)
	return Transition{EntityID: entityID, Previous: prev, Opened: opened}, true, nil
}

// CloseMissing closes the current version of every entity not in seen. No
// replacement version is opened. Transitions are returned sorted by entity id.
func (s *Shard) CloseMissing(seen map[string]struct{}, at time.Time) []Transition {
	at = at.UTC()
	var ids []string
	for id, i := range s.current {
		if _, ok := seen[id]; ok {
			continue
		}
		if !at.After(s.versions[i].ValidFrom) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Transition, 0, len(ids))
	for _, id := range ids {
		i := s.current[id]
		prev := s.close(i, at)
		delete(s.current, id)
		s.retired[id] = i
		out = append(out, Transition{EntityID: id, Previous: prev})
	}
	return out
}

// resume opens a version for an entity with no open one, linking it to the
// entity's last closed version when there is one.
func (s *Shard) resume(entityID, providerID, loadID string, p model.Projection, at time.Time) (Transition, bool, error) {
	j, ok := s.retired[entityID]
	if !ok {
		opened := s.open(entityID, providerID, loadID, p, at)
		return Transition{EntityID: entityID, Opened: opened}, true, nil
	}
	last := s.versions[j]
	if at.Before(*last.ValidTo) || !at.After(last.ValidFrom) {
		return Transition{}, false, eris.Wrapf(ErrNonMonotonic, "entity %s at %s", entityID, at.Format(time.RFC3339))
	}
	delete(s.retired, entityID)
	opened := s.open(entityID, providerID, loadID, p, at)
	return Transition{EntityID: entityID, Previous: &last, Opened: opened, Resumed: true}, true, nil
}

// History returns every version of an entity in valid_from order.
func (s *Shard) History(entityID string) []model.EntityVersion {
	var out []model.EntityVersion
	for _, v := range s.versions {
		if v.EntityID == entityID {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].ValidFrom.Before(out[b].ValidFrom) })
	return out
}

// Entities returns the ids of every entity with an open version, sorted.
func (s *Shard) Entities() []string {
	ids := make([]string, 0, len(s.current))
	for id := range s.current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Shard) open(entityID, providerID, loadID string, p model.Projection, at time.Time) *model.EntityVersion {
	v := model.EntityVersion{
		VersionID:  VersionID(entityID, at),
		EntityID:   entityID,
		ProviderID: providerID,
		Projection: p,
		ValidFrom:  at,
		LoadID:     loadID,
	}
	s.versions = append(s.versions, v)
	s.current[entityID] = len(s.versions) - 1
	out := v
	return &out
}

func (s *Shard) close(i int, at time.Time) *model.EntityVersion {
	to := at
	s.versions[i].ValidTo = &to
	out := s.versions[i]
	return &out
}

// VersionID is deterministic in (entity, valid_from) so a replayed cycle
// produces the same ids.
func VersionID(entityID string, validFrom time.Time) string {
	return uuid.NewSHA1(versionNamespace, []byte(entityID+"|"+validFrom.UTC().Format(time.RFC3339Nano))).String()
}
