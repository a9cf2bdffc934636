package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the service tests.
type memStore struct {
	mu           sync.Mutex
	calls        int
	users        map[string]User
	roles        map[string]Role
	permissions  map[string]struct{}
	orgs         map[string]Organization
	distributors map[string]struct{}
	tokens       map[string]TokenRecord
}

func newMemStore() *memStore {
	return &memStore{
		users:        make(map[string]User),
		roles:        make(map[string]Role),
		permissions:  make(map[string]struct{}),
		orgs:         make(map[string]Organization),
		distributors: make(map[string]struct{}),
		tokens:       make(map[string]TokenRecord),
	}
}

func (m *memStore) touch() {
	m.calls++
}

func (m *memStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memStore) setRole(name string, perms ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[name] = Role{ID: "role-" + name, Name: name, Permissions: perms}
}

func (m *memStore) addDistributor(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributors[id] = struct{}{}
}

func (m *memStore) LookupUser(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	u, ok := m.users[email]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, email)
	}
	return u, nil
}

func (m *memStore) EmailExists(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	_, ok := m.users[email]
	return ok, nil
}

func (m *memStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if _, ok := m.users[u.Email]; ok {
		return ErrDuplicateIdentity
	}
	m.users[u.Email] = *u
	return nil
}

func (m *memStore) LookupRole(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	r, ok := m.roles[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	return r, nil
}

func (m *memStore) EnsureRole(_ context.Context, name string, perms []string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if r, ok := m.roles[name]; ok {
		return r, nil
	}
	r := Role{ID: "role-" + name, Name: name, Permissions: perms}
	m.roles[name] = r
	return r, nil
}

func (m *memStore) EnsurePermissions(_ context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	for _, n := range names {
		m.permissions[n] = struct{}{}
	}
	return nil
}

func (m *memStore) ListPermissions(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	out := make([]string, 0, len(m.permissions))
	for p := range m.permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) OrganizationExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	_, ok := m.orgs[id]
	return ok, nil
}

func (m *memStore) DistributorExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	_, ok := m.distributors[id]
	return ok, nil
}

func (m *memStore) CreateOrganization(_ context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	m.orgs[org.ID] = *org
	return nil
}

func (m *memStore) SaveToken(_ context.Context, rec TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	m.tokens[rec.Token] = rec
	return nil
}

func (m *memStore) FindToken(_ context.Context, tok string) (TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	rec, ok := m.tokens[tok]
	if !ok {
		return TokenRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *memStore) RevokeToken(_ context.Context, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	rec, ok := m.tokens[tok]
	if !ok {
		return ErrNotFound
	}
	rec.Revoked, rec.Expired = true, true
	m.tokens[tok] = rec
	return nil
}

func (m *memStore) RevokeUserTokens(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	for k, rec := range m.tokens {
		if rec.UserID == userID && !rec.Revoked {
			rec.Revoked, rec.Expired = true, true
			m.tokens[k] = rec
		}
	}
	return nil
}

func (m *memStore) ExpireTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	var n int64
	for k, rec := range m.tokens {
		if !rec.Expired && !rec.ExpiresAt.After(before) {
			rec.Expired = true
			m.tokens[k] = rec
			n++
		}
	}
	return n, nil
}

func (m *memStore) IsEmpty(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	return len(m.users) == 0 && len(m.orgs) == 0, nil
}
