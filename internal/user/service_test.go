package user

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	byEmail map[string]*User
}

func newMemStore() *memStore { return &memStore{byEmail: map[string]*User{}} }

func (m *memStore) CreateUser(_ context.Context, u *User) (*User, error) {
	if _, ok := m.byEmail[strings.ToLower(u.Email)]; ok {
		return nil, ErrDuplicate
	}
	u.ID = "id-" + u.Username
	m.byEmail[strings.ToLower(u.Email)] = u
	return u, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	u, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (*User, error) {
	for _, u := range m.byEmail {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) SearchUsers(context.Context, string, string) ([]Summary, error) {
	return nil, nil
}

func (m *memStore) ListUsers(_ context.Context, excludeID string) ([]Summary, error) {
	users := []Summary{}
	for _, u := range m.byEmail {
		if u.ID != excludeID {
			users = append(users, u.Summary())
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (m *memStore) UpdateProfile(_ context.Context, id, username, avatar string) (*User, error) {
	var target *User
	for _, u := range m.byEmail {
		if u.ID == id {
			target = u
		} else if username != "" && u.Username == username {
			return nil, ErrDuplicate
		}
	}
	if target == nil {
		return nil, ErrNotFound
	}
	if username != "" {
		target.Username = username
	}
	if avatar != "" {
		target.Avatar = avatar
	}
	cp := *target
	return &cp, nil
}

// seed registers users directly; ids are "id-<username>".
func (m *memStore) seed(usernames ...string) {
	for _, name := range usernames {
		_, _ = m.CreateUser(context.Background(), &User{Username: name, Email: name + "@example.com"})
	}
}

func TestService_RegisterLoginValidate(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore(), "secret", time.Hour)

	reg, err := svc.Register(ctx, &RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "hunter22"})
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", reg.User.Password, "password is stored hashed")

	userID, err := svc.ValidateToken(reg.Token)
	require.NoError(t, err)
	assert.Equal(t, "id-alice", userID)

	login, err := svc.Login(ctx, &LoginRequest{Email: "ALICE@example.com", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "id-alice", login.User.ID)

	_, err = svc.Login(ctx, &LoginRequest{Email: "alice@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, &LoginRequest{Email: "bob@example.com", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_ValidateTokenRejects(t *testing.T) {
	svc := NewService(newMemStore(), "secret", time.Hour)
	other := NewService(newMemStore(), "other-secret", time.Hour)
	expired := NewService(newMemStore(), "secret", time.Nanosecond)

	foreign, err := other.IssueToken("u1")
	require.NoError(t, err)
	stale, err := expired.IssueToken("u1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": foreign,
		"expired":      stale,
		"alg none":     unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestService_UpdateProfile(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed("alice", "bob")
	svc := NewService(store, "secret", time.Hour)

	u, err := svc.UpdateProfile(ctx, "id-alice", &UpdateProfileRequest{Username: "  alicia ", Avatar: "https://img.example/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "alicia", u.Username)
	assert.Equal(t, "https://img.example/a.png", u.Avatar)

	u, err = svc.UpdateProfile(ctx, "id-alice", &UpdateProfileRequest{Avatar: "https://img.example/b.png"})
	require.NoError(t, err)
	assert.Equal(t, "alicia", u.Username, "empty fields are left alone")

	_, err = svc.UpdateProfile(ctx, "id-alice", &UpdateProfileRequest{Username: "bob"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = svc.UpdateProfile(ctx, "id-ghost", &UpdateProfileRequest{Username: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_LookupsHideOthersPrivateFields(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed("alice", "bob", "carol")
	svc := NewService(store, "secret", time.Hour)

	me, err := svc.Me(ctx, "id-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", me.Email)

	bob, err := svc.GetUser(ctx, "id-bob")
	require.NoError(t, err)
	assert.Equal(t, Summary{ID: "id-bob", Username: "bob"}, bob)

	_, err = svc.GetUser(ctx, "id-ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	others, err := svc.ListUsers(ctx, "id-alice")
	require.NoError(t, err)
	require.Len(t, others, 2)
	assert.Equal(t, "bob", others[0].Username)
	assert.Equal(t, "carol", others[1].Username)
}
