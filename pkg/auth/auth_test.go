package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	users map[string]UserRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]UserRecord)}
}

func (f *fakeStore) SaveUser(name string, rec UserRecord) error {
	f.users[name] = rec
	return nil
}

func (f *fakeStore) DeleteUser(name string) error {
	delete(f.users, name)
	return nil
}

func (f *fakeStore) ListUsers() ([]UserRecord, error) {
	out := make([]UserRecord, 0, len(f.users))
	for _, r := range f.users {
		out = append(out, r)
	}
	return out, nil
}

func TestBootstrapMintsDefaultAdminOnEmptyStore(t *testing.T) {
	store := newFakeStore()
	reg := New(store, "admin")
	require.NoError(t, reg.Bootstrap())
	require.Len(t, store.users, 1)

	rec := store.users["admin"]
	ref, err := reg.GetUser(rec.Token)
	require.NoError(t, err)
	require.Equal(t, "admin", ref.Name)
}

func TestServerTokensAreNotPersisted(t *testing.T) {
	store := newFakeStore()
	reg := New(store, "admin")
	require.NoError(t, reg.Bootstrap())

	serverID := uuid.New()
	token, err := reg.RegisterServer(serverID)
	require.NoError(t, err)
	require.Len(t, store.users, 1) // only the bootstrapped admin; unaffected by server registration

	ref, err := reg.GetServer(token)
	require.NoError(t, err)
	require.Equal(t, serverID, ref)

	reg.UnregisterServer(token)
	_, err = reg.GetServer(token)
	require.Error(t, err, "late lookups after revocation must fail")
}

func TestAuthenticatePrefersRequestedNamespaces(t *testing.T) {
	store := newFakeStore()
	reg := New(store, "admin")
	require.NoError(t, reg.Bootstrap())

	serverID := uuid.New()
	token, err := reg.RegisterServer(serverID)
	require.NoError(t, err)

	_, ref, err := reg.Authenticate(token, AuthTypeServer)
	require.NoError(t, err)
	require.Equal(t, serverID, ref)

	_, _, err = reg.Authenticate(token, AuthTypeUser)
	require.Error(t, err, "a server token must not satisfy a user-only RPC")
}
