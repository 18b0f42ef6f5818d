package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// pairLockTTL bounds how long a membership pair lookup may hold its
// lock if the holder dies without releasing.
const pairLockTTL = time.Second

// Mapper translates records of one entity kind into the store's flat
// key layout: a hash per record at "<kind>:<id>", an id counter at
// "<kind>:id", a uniqueness index hash at "<kind>s", and relation sets
// at "<from>:<fromID>:<to>s".
type Mapper struct {
	kind  string
	store *Store
	locks *Locker
}

func NewMapper(kind string, s *Store, locks *Locker) *Mapper {
	return &Mapper{kind: kind, store: s, locks: locks}
}

func (m *Mapper) Kind() string { return m.kind }

func (m *Mapper) recordKey(id uint64) string {
	return m.kind + ":" + strconv.FormatUint(id, 10)
}

func (m *Mapper) indexKey() string {
	return m.kind + "s"
}

func relationKey(fromKind string, fromID uint64, toKind string) string {
	return fmt.Sprintf("%s:%d:%ss", fromKind, fromID, toKind)
}

// AllocateID atomically increments the per-kind counter. Ids are
// strictly increasing and never reused; an id allocated by a create
// that later fails is simply skipped.
func (m *Mapper) AllocateID(ctx context.Context) (uint64, error) {
	id, err := m.store.client.Incr(ctx, m.kind+":id").Result()
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %w", m.kind, err)
	}
	return uint64(id), nil
}

// Write overwrites the full field set of a record. Last write wins.
func (m *Mapper) Write(ctx context.Context, id uint64, fields map[string]string) error {
	if err := m.store.client.HSet(ctx, m.recordKey(id), fields).Err(); err != nil {
		return fmt.Errorf("write %s:%d: %w", m.kind, id, err)
	}
	return nil
}

// Read returns the record's field map, or nil if the record is absent.
// A zero id short-circuits without a store round trip.
func (m *Mapper) Read(ctx context.Context, id uint64) (map[string]string, error) {
	if id == 0 {
		return nil, nil
	}

	fields, err := m.store.client.HGetAll(ctx, m.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s:%d: %w", m.kind, id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// ReadMany fetches all records in one pipelined round trip. Absent
// records come back as nil elements in the matching positions.
func (m *Mapper) ReadMany(ctx context.Context, ids []uint64) ([]map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := m.store.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, m.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read %s batch: %w", m.kind, err)
	}

	results := make([]map[string]string, len(ids))
	for i, cmd := range cmds {
		if fields := cmd.Val(); len(fields) > 0 {
			results[i] = fields
		}
	}
	return results, nil
}

func (m *Mapper) Delete(ctx context.Context, id uint64) error {
	if err := m.store.client.Del(ctx, m.recordKey(id)).Err(); err != nil {
		return fmt.Errorf("delete %s:%d: %w", m.kind, id, err)
	}
	return nil
}

// SetIndex maps an indexed field value to the owning record's id.
// Index writes are not atomic with record writes; repositories
// sequence them under a lock.
func (m *Mapper) SetIndex(ctx context.Context, value string, id uint64) error {
	if err := m.store.client.HSet(ctx, m.indexKey(), value, id).Err(); err != nil {
		return fmt.Errorf("set %s index %q: %w", m.kind, value, err)
	}
	return nil
}

// GetIndex resolves an indexed value to an id, zero if unindexed.
func (m *Mapper) GetIndex(ctx context.Context, value string) (uint64, error) {
	v, err := m.store.client.HGet(ctx, m.indexKey(), value).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s index %q: %w", m.kind, value, err)
	}

	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s index %q: %w", m.kind, value, err)
	}
	return id, nil
}

func (m *Mapper) DeleteIndex(ctx context.Context, value string) error {
	if err := m.store.client.HDel(ctx, m.indexKey(), value).Err(); err != nil {
		return fmt.Errorf("delete %s index %q: %w", m.kind, value, err)
	}
	return nil
}

// AddRelation records id in the unordered relation set of the given
// foreign record, e.g. channel:3:messages.
func (m *Mapper) AddRelation(ctx context.Context, fromKind string, fromID, id uint64) error {
	key := relationKey(fromKind, fromID, m.kind)
	if err := m.store.client.SAdd(ctx, key, id).Err(); err != nil {
		return fmt.Errorf("add relation %s: %w", key, err)
	}
	return nil
}

func (m *Mapper) RemoveRelation(ctx context.Context, fromKind string, fromID, id uint64) error {
	key := relationKey(fromKind, fromID, m.kind)
	if err := m.store.client.SRem(ctx, key, id).Err(); err != nil {
		return fmt.Errorf("remove relation %s: %w", key, err)
	}
	return nil
}

func (m *Mapper) Relations(ctx context.Context, fromKind string, fromID uint64) ([]uint64, error) {
	key := relationKey(fromKind, fromID, m.kind)
	members, err := m.store.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("relations %s: %w", key, err)
	}
	return parseIDs(members)
}

// AddMemberRelation records a membership id in the sorted relation set
// on one side of a (channel,user) pair, scored by the counterpart id
// so that the two sides can be intersected.
func (m *Mapper) AddMemberRelation(ctx context.Context, fromKind string, fromID uint64, toKind string, score, id uint64) error {
	key := relationKey(fromKind, fromID, toKind)
	err := m.store.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(score),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("add member relation %s: %w", key, err)
	}
	return nil
}

func (m *Mapper) RemoveMemberRelation(ctx context.Context, fromKind string, fromID uint64, toKind string, id uint64) error {
	key := relationKey(fromKind, fromID, toKind)
	if err := m.store.client.ZRem(ctx, key, id).Err(); err != nil {
		return fmt.Errorf("remove member relation %s: %w", key, err)
	}
	return nil
}

func (m *Mapper) MemberRelations(ctx context.Context, fromKind string, fromID uint64, toKind string) ([]uint64, error) {
	key := relationKey(fromKind, fromID, toKind)
	members, err := m.store.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("member relations %s: %w", key, err)
	}
	return parseIDs(members)
}

// IntersectMembers resolves the membership record for one
// (channel,user) pair by intersecting the pair's two sorted relation
// sets into a scratch key. The scratch key is named after the pair, so
// a lock on the same name keeps concurrent lookups for the pair from
// clobbering each other; the key is deleted in the same pipeline that
// reads it. Returns zero when no membership exists.
func (m *Mapper) IntersectMembers(ctx context.Context, channelID, userID uint64) (uint64, error) {
	scratch := fmt.Sprintf("channel:%d:user:%d", channelID, userID)

	lock, err := m.locks.Acquire(ctx, scratch, pairLockTTL)
	if err != nil {
		return 0, err
	}
	defer lock.Release(ctx)

	keys := []string{
		relationKey("user", userID, "channel"),
		relationKey("channel", channelID, "user"),
	}

	pipe := m.store.client.Pipeline()
	pipe.ZInterStore(ctx, scratch, &redis.ZStore{Keys: keys})
	rangeCmd := pipe.ZRange(ctx, scratch, 0, -1)
	pipe.Del(ctx, scratch)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("intersect %s: %w", scratch, err)
	}

	ids, err := parseIDs(rangeCmd.Val())
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

func parseIDs(members []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse relation member %q: %w", member, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
