package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/hitoshi/accountlink/internal/model"
	"github.com/hitoshi/accountlink/internal/repository"
)

// fakeStore はDBの一意制約を再現するインメモリのリポジトリ。
// 並行性のテストに使う。
type fakeStore struct {
	mu         sync.Mutex
	users      map[string]*model.User
	identities []*model.Identity
	sessions   map[string]*model.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]*model.User{},
		sessions: map[string]*model.Session{},
	}
}

type fakeUserRepo struct{ s *fakeStore }
type fakeIdentityRepo struct{ s *fakeStore }
type fakeSessionRepo struct{ s *fakeStore }

func (f *fakeStore) userRepo() *fakeUserRepo         { return &fakeUserRepo{f} }
func (f *fakeStore) identityRepo() *fakeIdentityRepo { return &fakeIdentityRepo{f} }
func (f *fakeStore) sessionRepo() *fakeSessionRepo   { return &fakeSessionRepo{f} }

func (f *fakeStore) addUser(u *model.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

func (f *fakeStore) identityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.identities)
}

func (f *fakeStore) userCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// insertIdentity は呼び出し側でmuを保持していること。
func (f *fakeStore) insertIdentity(identity *model.Identity) error {
	for _, existing := range f.identities {
		if existing.Provider == identity.Provider && existing.ProviderUserID == identity.ProviderUserID {
			return &repository.DuplicateError{Constraint: repository.ConstraintIdentityProviderUser}
		}
		if existing.UserID == identity.UserID && existing.Provider == identity.Provider {
			return &repository.DuplicateError{Constraint: repository.ConstraintIdentityUserProvider}
		}
	}
	clone := *identity
	f.identities = append(f.identities, &clone)
	return nil
}

func (r *fakeUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.users[id], nil
}

func (r *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) CreateWithIdentity(_ context.Context, user *model.User, identity *model.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return &repository.DuplicateError{Constraint: repository.ConstraintUserEmail}
		}
	}
	if err := r.s.insertIdentity(identity); err != nil {
		return err
	}
	r.s.users[user.ID] = user
	return nil
}

func (r *fakeIdentityRepo) FindByProviderAndProviderUserID(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, i := range r.s.identities {
		if i.Provider == provider && i.ProviderUserID == providerUserID {
			return i, nil
		}
	}
	return nil, nil
}

func (r *fakeIdentityRepo) FindByUserAndProvider(_ context.Context, userID, provider string) (*model.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, i := range r.s.identities {
		if i.UserID == userID && i.Provider == provider {
			return i, nil
		}
	}
	return nil, nil
}

func (r *fakeIdentityRepo) ListByUserID(_ context.Context, userID string) ([]*model.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Identity
	for _, i := range r.s.identities {
		if i.UserID == userID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *fakeIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.insertIdentity(identity)
}

func (r *fakeSessionRepo) Create(_ context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[session.ID] = session
	return nil
}

func (r *fakeSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.sessions[id], nil
}

func (r *fakeSessionRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	return nil
}

func (r *fakeSessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, s := range r.s.sessions {
		if s.UserID == userID {
			delete(r.s.sessions, id)
		}
	}
	return nil
}

var _ repository.UserRepository = (*fakeUserRepo)(nil)
var _ repository.IdentityRepository = (*fakeIdentityRepo)(nil)
var _ repository.SessionRepository = (*fakeSessionRepo)(nil)
