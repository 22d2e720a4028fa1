package auth

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyOps    = "test-key-ops"
	testKeyReader = "test-key-reader"
)

func newTestAuthenticator() *APIKeyAuthenticator {
	return NewAPIKeyAuthenticator(APIKeyConfig{
		Keys: []APIKey{
			{Key: testKeyOps, Name: "ops", Roles: []string{RoleOperator, RoleReader}},
			{Key: testKeyReader, Name: "dashboard", Roles: []string{RoleReader}},
		},
	})
}

func TestAPIKeyAuthenticator(t *testing.T) {
	a := newTestAuthenticator()

	t.Run("valid key", func(t *testing.T) {
		uc, err := a.Authenticate(WithToken(context.Background(), testKeyOps))
		require.NoError(t, err)
		assert.Equal(t, "apikey:ops", uc.UserID)
		assert.Equal(t, "apikey", uc.AuthType)
		assert.True(t, uc.HasRole(RoleOperator))
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := a.Authenticate(WithToken(context.Background(), "nope"))
		assert.ErrorIs(t, err, ErrInvalidAPIKey)
	})

	t.Run("no key", func(t *testing.T) {
		_, err := a.Authenticate(context.Background())
		assert.ErrorIs(t, err, ErrNoCredentials)
	})

	t.Run("roles are copied", func(t *testing.T) {
		uc, err := a.Authenticate(WithToken(context.Background(), testKeyReader))
		require.NoError(t, err)
		uc.Roles[0] = RoleOperator

		again, err := a.Authenticate(WithToken(context.Background(), testKeyReader))
		require.NoError(t, err)
		assert.Equal(t, []string{RoleReader}, again.Roles)
	})

	t.Run("add and remove", func(t *testing.T) {
		a.AddKey(APIKey{Key: "new-key", Name: "new", Roles: []string{RoleReader}})
		assert.Equal(t, 3, a.Len())
		_, err := a.Authenticate(WithToken(context.Background(), "new-key"))
		require.NoError(t, err)

		a.RemoveKey("new-key")
		_, err = a.Authenticate(WithToken(context.Background(), "new-key"))
		assert.ErrorIs(t, err, ErrInvalidAPIKey)
	})
}

func TestAPIKeyAuthenticator_HashedKey(t *testing.T) {
	hash, err := HashKey("s3cret")
	require.NoError(t, err)
	assert.NotContains(t, hash, "s3cret")

	a := NewAPIKeyAuthenticator(APIKeyConfig{
		Keys: []APIKey{{KeyHash: hash, Name: "hashed", Roles: []string{RoleReader}}},
	})
	assert.Equal(t, 1, a.Len())

	uc, err := a.Authenticate(WithToken(context.Background(), "s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "apikey:hashed", uc.UserID)

	_, err = a.Authenticate(WithToken(context.Background(), hash))
	assert.ErrorIs(t, err, ErrInvalidAPIKey, "the hash itself is not a credential")
}

func TestAPIKeyAuthenticator_Concurrent(t *testing.T) {
	a := newTestAuthenticator()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = a.Authenticate(WithToken(context.Background(), testKeyOps))
		}()
		go func() {
			defer wg.Done()
			key := APIKey{Key: "k" + string(rune('a'+i%26)), Name: "tmp"}
			a.AddKey(key)
			a.RemoveKey(key.Key)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, a.Len())
}

func TestUserContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, GetUserContext(ctx))
	assert.Empty(t, GetToken(ctx))

	uc := &UserContext{UserID: "apikey:ops", Roles: []string{RoleReader}}
	ctx = WithUserContext(WithToken(ctx, "tok"), uc)
	assert.Same(t, uc, GetUserContext(ctx))
	assert.Equal(t, "tok", GetToken(ctx))

	assert.True(t, uc.HasAnyRole(RoleOperator, RoleReader))
	assert.False(t, uc.HasAnyRole(RoleOperator))
}
