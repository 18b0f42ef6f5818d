package repository

import (
	"context"
	"strconv"

	"github.com/npezzotti/redischat/internal/store"
	"github.com/npezzotti/redischat/internal/types"
)

// UserRepository persists users, keeping the name uniqueness index in
// step with the records.
type UserRepository struct {
	m     *store.Mapper
	locks *store.Locker
}

func NewUserRepository(s *store.Store, locks *store.Locker) *UserRepository {
	return &UserRepository{
		m:     store.NewMapper("user", s, locks),
		locks: locks,
	}
}

// Save creates the user under the uniqueness protocol on its name.
// Returns store.ErrAlreadyExists when the name is taken and
// store.ErrContention when another create holds the name's lock.
func (r *UserRepository) Save(ctx context.Context, u *types.User) error {
	return createUnique(ctx, r.m, r.locks, u.Name, func(id uint64) error {
		u.Id = id
		return r.m.Write(ctx, id, userFields(u))
	})
}

// Delete removes the index entry before the record so the index never
// points at a record that is already gone.
func (r *UserRepository) Delete(ctx context.Context, u *types.User) error {
	if err := r.m.DeleteIndex(ctx, u.Name); err != nil {
		return err
	}
	return r.m.Delete(ctx, u.Id)
}

func (r *UserRepository) GetOne(ctx context.Context, id uint64) (*types.User, error) {
	fields, err := r.m.Read(ctx, id)
	if err != nil || fields == nil {
		return nil, err
	}
	return userFromFields(fields)
}

// GetMany resolves ids to users in one round trip, silently dropping
// ids with no record.
func (r *UserRepository) GetMany(ctx context.Context, ids []uint64) ([]types.User, error) {
	results, err := r.m.ReadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	users := make([]types.User, 0, len(results))
	for _, fields := range results {
		if fields == nil {
			continue
		}
		u, err := userFromFields(fields)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}

// Filter supports the Name shape only: index lookup then point read.
// Nil without error when no user has the name.
func (r *UserRepository) Filter(ctx context.Context, q Query) (*types.User, error) {
	if q.Name == "" {
		return nil, store.ErrInvalidQuery
	}

	id, err := r.m.GetIndex(ctx, q.Name)
	if err != nil {
		return nil, err
	}
	return r.GetOne(ctx, id)
}

func userFields(u *types.User) map[string]string {
	return map[string]string{
		"id":       formatUint(u.Id),
		"name":     u.Name,
		"password": u.Password,
		"admin":    strconv.FormatBool(u.Admin),
	}
}

func userFromFields(fields map[string]string) (*types.User, error) {
	id, err := fieldUint(fields, "id")
	if err != nil {
		return nil, err
	}
	admin, err := fieldBool(fields, "admin")
	if err != nil {
		return nil, err
	}

	return &types.User{
		Id:       id,
		Name:     fields["name"],
		Password: fields["password"],
		Admin:    admin,
	}, nil
}
