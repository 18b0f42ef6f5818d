package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/redischat/internal/store"
	"github.com/npezzotti/redischat/internal/testutil"
	"github.com/npezzotti/redischat/internal/types"
)

func newTestRepos(t *testing.T) (*Repositories, *miniredis.Miniredis) {
	t.Helper()

	s, mr := testutil.TestStore(t)
	return New(s), mr
}

func TestUserSaveRoundTrip(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	user := &types.User{Name: "alice", Password: "hash", Admin: true}
	require.NoError(t, repos.Users.Save(ctx, user))
	assert.Equal(t, uint64(1), user.Id, "expected first user to get id 1")

	got, err := repos.Users.GetOne(ctx, user.Id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *user, *got, "expected read-back user to equal the saved one")
}

func TestUserSaveDuplicate(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Users.Save(ctx, &types.User{Name: "alice", Password: "h1"}))

	err := repos.Users.Save(ctx, &types.User{Name: "alice", Password: "h2"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists, "expected duplicate name to be rejected")
}

func TestUserSaveConcurrent(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	const attempts = 8

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repos.Users.Save(ctx, &types.User{Name: "alice", Password: "h"})
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, store.ErrAlreadyExists, "expected losers to see already-exists")
		lost++
	}
	assert.Equal(t, 1, won, "expected exactly one create to win")
	assert.Equal(t, attempts-1, lost)
}

func TestUserIdsMonotonic(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		u := &types.User{Name: fmt.Sprintf("user-%d", i), Password: "h"}
		require.NoError(t, repos.Users.Save(ctx, u))
		assert.Greater(t, u.Id, last, "expected ids to be strictly increasing")
		last = u.Id
	}
}

func TestUserFilter(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	user := &types.User{Name: "alice", Password: "h"}
	require.NoError(t, repos.Users.Save(ctx, user))

	t.Run("by name", func(t *testing.T) {
		got, err := repos.Users.Filter(ctx, Query{Name: "alice"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, user.Id, got.Id)
	})
	t.Run("unknown name", func(t *testing.T) {
		got, err := repos.Users.Filter(ctx, Query{Name: "bob"})
		assert.NoError(t, err)
		assert.Nil(t, got, "expected unknown name to resolve to nil")
	})
	t.Run("unsupported shape", func(t *testing.T) {
		_, err := repos.Users.Filter(ctx, Query{User: 1})
		assert.ErrorIs(t, err, store.ErrInvalidQuery)
	})
}

func TestUserGetMany(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	alice := &types.User{Name: "alice", Password: "h"}
	bob := &types.User{Name: "bob", Password: "h"}
	require.NoError(t, repos.Users.Save(ctx, alice))
	require.NoError(t, repos.Users.Save(ctx, bob))

	users, err := repos.Users.GetMany(ctx, []uint64{alice.Id, 99, bob.Id})
	require.NoError(t, err)
	require.Len(t, users, 2, "expected missing ids to be dropped")
	assert.Equal(t, "alice", users[0].Name)
	assert.Equal(t, "bob", users[1].Name)
}

func TestUserDelete(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	user := &types.User{Name: "alice", Password: "h"}
	require.NoError(t, repos.Users.Save(ctx, user))
	require.NoError(t, repos.Users.Delete(ctx, user))

	got, err := repos.Users.GetOne(ctx, user.Id)
	assert.NoError(t, err)
	assert.Nil(t, got, "expected deleted user to be gone")

	got, err = repos.Users.Filter(ctx, Query{Name: "alice"})
	assert.NoError(t, err)
	assert.Nil(t, got, "expected index entry to be gone")

	// the freed name can be claimed again with a fresh id
	again := &types.User{Name: "alice", Password: "h"}
	require.NoError(t, repos.Users.Save(ctx, again))
	assert.Greater(t, again.Id, user.Id, "expected the old id to never be reused")
}
