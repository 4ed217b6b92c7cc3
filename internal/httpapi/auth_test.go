package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"estoque/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func newStubStore(t *testing.T) *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  mustHashPassword(t, "admin123"),
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
			"inativo": {
				Username:  "inativo",
				Password:  mustHashPassword(t, "inativo123"),
				Role:      domain.RoleUser,
				Active:    false,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store, zaptest.NewLogger(t))
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if store.updates == 0 {
		t.Fatalf("expected the store to receive the upgraded hash")
	}
}

func TestCreateUserStoresPasswordHashAndRole(t *testing.T) {
	store := newStubStore(t)
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store, zaptest.NewLogger(t))

	user, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "Conferente",
		Password: "pass1234",
		Role:     domain.RoleManager,
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Username != "conferente" || user.Role != domain.RoleManager {
		t.Fatalf("unexpected user %+v", user)
	}

	saved, ok := store.users["conferente"]
	if !ok {
		t.Fatalf("expected user to be saved")
	}
	if !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", saved.Password)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "conferente", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login with new user failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "conferente" || actor.Role != domain.RoleManager {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestCreateUserValidation(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, newStubStore(t), zaptest.NewLogger(t))

	cases := []domain.UserCreateRequest{
		{Username: "abc", Password: "pass1234"},
		{Username: "com espaco", Password: "pass1234"},
		{Username: "curtinha", Password: "123"},
		{Username: "superuser", Password: "pass1234", Role: "root"},
		{Username: "admin", Password: "pass1234"},
	}
	for _, req := range cases {
		if _, err := manager.CreateUser(context.Background(), req); err == nil {
			t.Fatalf("expected %+v to be rejected", req)
		}
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, newStubStore(t), zaptest.NewLogger(t))

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "inativo", Password: "inativo123"})
	if err != errInactiveAccount {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestParseTokenRejectsForeignSignatureAndRole(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, newStubStore(t), zaptest.NewLogger(t))

	other := NewAuthManager(context.Background(), "another-secret", time.Hour, nil, nil)
	foreign, err := other.sign("admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(foreign); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	claims := estoqueClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "root",
	}
	bogus, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(bogus); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}

	expired, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestListUsersSorted(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, newStubStore(t), zaptest.NewLogger(t))

	users := manager.ListUsers(context.Background())
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].Username != "admin" || users[1].Username != "inativo" {
		t.Fatalf("unexpected order %+v", users)
	}
}
