package history

import (
	"hash/fnv"

	"github.com/sells-group/license-recon/internal/model"
)

// Arena partitions entity histories into independent shards. Every entity
// maps to exactly one shard, so workers that each own a shard never contend.
type Arena struct {
	shards []*Shard
}

// NewArena creates an arena with n shards (minimum 1).
func NewArena(n int) *Arena {
	if n < 1 {
		n = 1
	}
	shards := make([]*Shard, n)
	for i := range shards {
		shards[i] = NewShard()
	}
	return &Arena{shards: shards}
}

// Size returns the number of shards.
func (a *Arena) Size() int { return len(a.shards) }

// Shard returns shard i.
func (a *Arena) Shard(i int) *Shard { return a.shards[i] }

// ShardFor returns the index of the shard that owns entityID.
func (a *Arena) ShardFor(entityID string) int {
	return Partition(entityID, len(a.shards))
}

// Hydrate distributes persisted versions to their owning shards.
func (a *Arena) Hydrate(versions []model.EntityVersion) {
	for _, v := range versions {
		a.shards[a.ShardFor(v.EntityID)].Hydrate(v)
	}
}

// Current looks up the open version of an entity.
func (a *Arena) Current(entityID string) (model.EntityVersion, bool) {
	return a.shards[a.ShardFor(entityID)].Current(entityID)
}

// Partition maps a key onto [0, n) with FNV-1a.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
