// Package auth implements the Auth Registry: two disjoint opaque token
// namespaces, one for user-operators and one for launched servers, with
// O(1) lookup and a per-RPC authenticator.
//
// Token issuance follows a random-byte hex token + map+mutex registry
// idiom, generalized to two namespaces and a persisted user store
// instead of a single expiring join-token table.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cuemby/nimbus/pkg/ctlerr"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	userPrefix   = "user_"
	serverPrefix = "srv_"
)

// UserRef identifies the user-operator owning a token.
type UserRef struct {
	Name string
	UUID uuid.UUID
}

// ServerRef identifies the server owning a token.
type ServerRef = uuid.UUID

// Store persists one file per user token under a well-known directory,
// matching §6's `users/<name>.toml` layout. Implemented by pkg/storage.
type Store interface {
	SaveUser(name string, record UserRecord) error
	DeleteUser(name string) error
	ListUsers() ([]UserRecord, error)
}

// UserRecord is the on-disk representation of a user-operator token.
type UserRecord struct {
	Name  string
	UUID  uuid.UUID
	Token string
}

// AuthType indicates which token namespace may call an RPC.
type AuthType int

const (
	AuthTypeUser AuthType = iota
	AuthTypeServer
)

// Registry holds both token namespaces in memory, O(1) lookup by token
// string, and persists user tokens through Store.
type Registry struct {
	store Store
	log   zerolog.Logger

	mu           sync.RWMutex
	userTokens   map[string]UserRef   // token -> user
	serverTokens map[string]ServerRef // token -> server uuid

	defaultAdminName string
}

// New constructs an empty registry. Call Bootstrap once store has been
// wired to load any persisted users and mint a default admin if none
// exist.
func New(store Store, defaultAdminName string) *Registry {
	return &Registry{
		store:            store,
		log:              log.WithComponent("auth"),
		userTokens:       make(map[string]UserRef),
		serverTokens:     make(map[string]ServerRef),
		defaultAdminName: defaultAdminName,
	}
}

// Bootstrap loads persisted user tokens. If the store is empty, it mints a
// default admin user and logs the token once — it is never recoverable
// afterward except by deleting the user and recreating it.
func (r *Registry) Bootstrap() error {
	records, err := r.store.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to list persisted users: %w", err)
	}

	if len(records) == 0 {
		token, err := r.mintUserToken(r.defaultAdminName, uuid.New())
		if err != nil {
			return fmt.Errorf("failed to bootstrap default admin: %w", err)
		}
		r.log.Info().Str("name", r.defaultAdminName).Str("token", token).
			Msg("bootstrapped default admin user (token will not be shown again)")
		return nil
	}

	r.mu.Lock()
	for _, rec := range records {
		r.userTokens[rec.Token] = UserRef{Name: rec.Name, UUID: rec.UUID}
	}
	r.mu.Unlock()
	return nil
}

func generateToken(prefix string) (string, error) {
	a := make([]byte, 16)
	b := make([]byte, 16)
	if _, err := rand.Read(a); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return prefix + hex.EncodeToString(a) + hex.EncodeToString(b), nil
}

func (r *Registry) mintUserToken(name string, id uuid.UUID) (string, error) {
	token, err := generateToken(userPrefix)
	if err != nil {
		return "", err
	}
	if err := r.store.SaveUser(name, UserRecord{Name: name, UUID: id, Token: token}); err != nil {
		return "", fmt.Errorf("failed to persist user %s: %w", name, err)
	}
	r.mu.Lock()
	r.userTokens[token] = UserRef{Name: name, UUID: id}
	r.mu.Unlock()
	return token, nil
}

// CreateUser mints and persists a new user-operator token.
func (r *Registry) CreateUser(name string) (string, error) {
	return r.mintUserToken(name, uuid.New())
}

// RevokeUser deletes a user-operator's persisted token and in-memory entry.
func (r *Registry) RevokeUser(name string) error {
	r.mu.Lock()
	for token, ref := range r.userTokens {
		if ref.Name == name {
			delete(r.userTokens, token)
		}
	}
	r.mu.Unlock()
	if err := r.store.DeleteUser(name); err != nil {
		return fmt.Errorf("failed to delete user %s: %w", name, err)
	}
	return nil
}

// RegisterServer mints a new, never-persisted server token for srv. Server
// tokens live only in memory for the server's lifetime.
func (r *Registry) RegisterServer(server uuid.UUID) (string, error) {
	token, err := generateToken(serverPrefix)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.serverTokens[token] = server
	r.mu.Unlock()
	return token, nil
}

// UnregisterServer drops a server's token. Idempotent; safe to call on a
// token that is already gone (late heartbeats after revocation are
// no-ops, per spec §9 open question 3).
func (r *Registry) UnregisterServer(token string) {
	r.mu.Lock()
	delete(r.serverTokens, token)
	r.mu.Unlock()
}

// GetUser resolves a token to a UserRef, or ctlerr.NotFound.
func (r *Registry) GetUser(token string) (UserRef, error) {
	r.mu.RLock()
	ref, ok := r.userTokens[token]
	r.mu.RUnlock()
	if !ok {
		return UserRef{}, fmt.Errorf("user token: %w", ctlerr.NotFound)
	}
	return ref, nil
}

// GetServer resolves a token to a ServerRef, or ctlerr.NotFound.
func (r *Registry) GetServer(token string) (ServerRef, error) {
	r.mu.RLock()
	ref, ok := r.serverTokens[token]
	r.mu.RUnlock()
	if !ok {
		return uuid.Nil, fmt.Errorf("server token: %w", ctlerr.NotFound)
	}
	return ref, nil
}

// Authenticate validates token against the namespace(s) permitted by
// allowed, returning whichever ref matched first. Namespaces are checked
// in the order they appear in allowed.
func (r *Registry) Authenticate(token string, allowed ...AuthType) (UserRef, ServerRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, kind := range allowed {
		switch kind {
		case AuthTypeServer:
			if ref, ok := r.serverTokens[token]; ok {
				return UserRef{}, ref, nil
			}
		case AuthTypeUser:
			if ref, ok := r.userTokens[token]; ok {
				return ref, uuid.Nil, nil
			}
		}
	}
	return UserRef{}, uuid.Nil, fmt.Errorf("authenticate: %w", ctlerr.NotFound)
}
