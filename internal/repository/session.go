package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/redischat/internal/store"
	"github.com/npezzotti/redischat/internal/types"
)

const sessionLifetime = 24 * time.Hour

// NewSession builds an unsaved session for a user with a fresh opaque
// key and a 24h expiry. Expiry is enforced by readers of the Expires
// field; nothing sweeps expired sessions out of the store.
func NewSession(userID uint64, timezone int) *types.Session {
	return &types.Session{
		Key:      newSessionKey(userID),
		User:     userID,
		Expires:  time.Now().Add(sessionLifetime).Unix(),
		Timezone: timezone,
	}
}

// newSessionKey derives an opaque bearer token from random bytes, a
// uuid, the current time and the user id. Practically unique and
// unguessable; the token carries no meaning.
func newSessionKey(userID uint64) string {
	buf := make([]byte, 128)
	rand.Read(buf)

	h := sha256.New()
	h.Write(buf)
	h.Write([]byte(uuid.NewString()))
	fmt.Fprintf(h, "_%d_%d", time.Now().UnixNano(), userID)
	return hex.EncodeToString(h.Sum(nil))
}

type SessionRepository struct {
	m     *store.Mapper
	locks *store.Locker
}

func NewSessionRepository(s *store.Store, locks *store.Locker) *SessionRepository {
	return &SessionRepository{
		m:     store.NewMapper("session", s, locks),
		locks: locks,
	}
}

// Save creates the session under the uniqueness protocol on its key.
// Sessions are the one kind re-saved in place: a non-zero id skips the
// uniqueness dance and overwrites the existing record.
func (r *SessionRepository) Save(ctx context.Context, s *types.Session) error {
	if s.Id != 0 {
		return r.m.Write(ctx, s.Id, sessionFields(s))
	}

	return createUnique(ctx, r.m, r.locks, s.Key, func(id uint64) error {
		s.Id = id
		return r.m.Write(ctx, id, sessionFields(s))
	})
}

func (r *SessionRepository) Delete(ctx context.Context, s *types.Session) error {
	if err := r.m.DeleteIndex(ctx, s.Key); err != nil {
		return err
	}
	return r.m.Delete(ctx, s.Id)
}

func (r *SessionRepository) GetOne(ctx context.Context, id uint64) (*types.Session, error) {
	fields, err := r.m.Read(ctx, id)
	if err != nil || fields == nil {
		return nil, err
	}
	return sessionFromFields(fields)
}

// Filter supports the Key shape only.
func (r *SessionRepository) Filter(ctx context.Context, q Query) (*types.Session, error) {
	if q.Key == "" {
		return nil, store.ErrInvalidQuery
	}

	id, err := r.m.GetIndex(ctx, q.Key)
	if err != nil {
		return nil, err
	}
	return r.GetOne(ctx, id)
}

func sessionFields(s *types.Session) map[string]string {
	return map[string]string{
		"id":       formatUint(s.Id),
		"key":      s.Key,
		"user":     formatUint(s.User),
		"expires":  formatInt(s.Expires),
		"timezone": strconv.Itoa(s.Timezone),
	}
}

func sessionFromFields(fields map[string]string) (*types.Session, error) {
	id, err := fieldUint(fields, "id")
	if err != nil {
		return nil, err
	}
	user, err := fieldUint(fields, "user")
	if err != nil {
		return nil, err
	}
	expires, err := fieldInt(fields, "expires")
	if err != nil {
		return nil, err
	}
	timezone, err := fieldInt(fields, "timezone")
	if err != nil {
		return nil, err
	}

	return &types.Session{
		Id:       id,
		Key:      fields["key"],
		User:     user,
		Expires:  expires,
		Timezone: int(timezone),
	}, nil
}
