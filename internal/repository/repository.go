package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/npezzotti/redischat/internal/store"
)

// createLockTTL bounds the uniqueness check-then-insert window. A
// crashed creator frees the name after at most this long.
const createLockTTL = time.Second

// Query is the closed set of filter criteria the repositories serve.
// Every shape is a single indexed lookup; anything else is rejected
// with store.ErrInvalidQuery.
type Query struct {
	Name    string
	Key     string
	Channel uint64
	User    uint64
}

type Repositories struct {
	Users    *UserRepository
	Sessions *SessionRepository
	Channels *ChannelRepository
	Messages *MessageRepository
	Members  *MemberRepository
}

func New(s *store.Store) *Repositories {
	locks := store.NewLocker(s)

	return &Repositories{
		Users:    NewUserRepository(s, locks),
		Sessions: NewSessionRepository(s, locks),
		Channels: NewChannelRepository(s, locks),
		Messages: NewMessageRepository(s, locks),
		Members:  NewMemberRepository(s, locks),
	}
}

// createUnique runs the create-with-uniqueness protocol: lock the
// indexed value, check the index, allocate an id, write the index
// entry, then let write persist the record's fields. The lock is held
// through the field write so no reader can see the index pointing at a
// record that is not there yet. An id allocated before a later failure
// is abandoned; ids may be sparse.
func createUnique(ctx context.Context, m *store.Mapper, locks *store.Locker, value string, write func(id uint64) error) error {
	lock, err := locks.Acquire(ctx, m.Kind()+":"+value, createLockTTL)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	existing, err := m.GetIndex(ctx, value)
	if err != nil {
		return err
	}
	if existing != 0 {
		return fmt.Errorf("%w: %s %q", store.ErrAlreadyExists, m.Kind(), value)
	}

	id, err := m.AllocateID(ctx)
	if err != nil {
		return err
	}

	if err := m.SetIndex(ctx, value, id); err != nil {
		return err
	}

	return write(id)
}

func fieldUint(fields map[string]string, name string) (uint64, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	return n, nil
}

func fieldInt(fields map[string]string, name string) (int64, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	return n, nil
}

func fieldBool(fields map[string]string, name string) (bool, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("field %q: %w", name, err)
	}
	return b, nil
}

func formatUint(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
