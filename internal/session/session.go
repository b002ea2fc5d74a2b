// Package session keeps the signed-in account and its bearer token, and drives the realtime
// connection from sign-in and sign-out.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fairyhunter13/storefront-core/internal/api"
	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/obs"
	"github.com/fairyhunter13/storefront-core/internal/realtime"
	"github.com/fairyhunter13/storefront-core/internal/storage"
)

// Storage keys.
const (
	TokenKey = "auth_token"
	UserKey  = "auth_user"
)

var ErrNotSignedIn = errors.New("not signed in")

// Authenticator exchanges credentials for a token and refreshes it.
type Authenticator interface {
	SignIn(ctx context.Context, username, password string) (api.AuthData, error)
	GetToken(ctx context.Context) (string, error)
}

// Connector is the part of the realtime manager a session drives.
type Connector interface {
	Connect(ctx context.Context, credential string) bool
	Disconnect(ctx context.Context)
	JoinGroup(ctx context.Context, id string) error
	LeaveGroup(ctx context.Context, id string) error
}

// Session is safe for concurrent use. It implements api.TokenSource and api.TokenSink.
type Session struct {
	kv   storage.Storage
	auth Authenticator
	conn Connector

	mu    sync.RWMutex
	token string
	user  *model.User
}

func New(kv storage.Storage, auth Authenticator, conn Connector) *Session {
	return &Session{kv: kv, auth: auth, conn: conn}
}

// Token returns the current bearer token, empty when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the token after a refresh.
func (s *Session) SetToken(token string) error {
	if err := s.kv.Set(TokenKey, token); err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// User returns the signed-in account.
func (s *Session) User() (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return model.User{}, false
	}
	return *s.user, true
}

// SignIn authenticates, stores the token and account, then connects and joins the account's
// group. A connection failure does not fail the sign-in.
func (s *Session) SignIn(ctx context.Context, username, password string) (model.User, error) {
	auth, err := s.auth.SignIn(ctx, username, password)
	if err != nil {
		return model.User{}, err
	}
	userJSON, err := json.Marshal(auth.User)
	if err != nil {
		return model.User{}, fmt.Errorf("encode user: %w", err)
	}
	if err := s.kv.Set(TokenKey, auth.Token); err != nil {
		return model.User{}, fmt.Errorf("store token: %w", err)
	}
	if err := s.kv.Set(UserKey, string(userJSON)); err != nil {
		return model.User{}, fmt.Errorf("store user: %w", err)
	}
	u := auth.User
	s.mu.Lock()
	s.token = auth.Token
	s.user = &u
	s.mu.Unlock()
	obs.Logger.Info("session_signed_in", "user_id", u.ID)

	s.connect(ctx, auth.Token, u.ID)
	return u, nil
}

// Restore resumes a stored session at start-up and reports whether one is active. The stored
// token is refreshed first; a token the upstream rejects ends the session, while an unreachable
// upstream keeps the stored token.
func (s *Session) Restore(ctx context.Context) bool {
	token, ok, err := s.kv.Get(TokenKey)
	if err != nil {
		obs.Logger.Warn("session_restore_failed", "error", err)
		return false
	}
	if !ok || token == "" {
		return false
	}
	var u *model.User
	if raw, ok, err := s.kv.Get(UserKey); err == nil && ok {
		var decoded model.User
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			u = &decoded
		} else {
			obs.Logger.Warn("session_user_corrupted", "error", err)
		}
	}
	s.mu.Lock()
	s.token = token
	s.user = u
	s.mu.Unlock()

	fresh, err := s.auth.GetToken(ctx)
	switch {
	case api.IsUnauthorized(err):
		obs.Logger.Warn("session_token_rejected", "error", err)
		s.forget()
		return false
	case err != nil:
		obs.Logger.Warn("session_token_refresh_failed", "error", err)
	case fresh != "" && fresh != token:
		if err := s.SetToken(fresh); err != nil {
			obs.Logger.Warn("session_token_store_failed", "error", err)
		}
		token = fresh
	}

	var groupID string
	if u != nil {
		groupID = u.ID
	}
	obs.Logger.Info("session_restored", "user_id", groupID)
	s.connect(ctx, token, groupID)
	return true
}

func (s *Session) connect(ctx context.Context, token, groupID string) {
	if !s.conn.Connect(ctx, token) || groupID == "" {
		return
	}
	if err := s.conn.JoinGroup(ctx, groupID); err != nil {
		obs.Logger.Warn("session_join_group_failed", "user_id", groupID, "error", err)
	}
}

// SignOut leaves the account group, disconnects and forgets the stored credentials.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	user := s.user
	signedIn := s.token != ""
	s.token = ""
	s.user = nil
	s.mu.Unlock()
	if !signedIn {
		return ErrNotSignedIn
	}

	if user != nil {
		if err := s.conn.LeaveGroup(ctx, user.ID); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			obs.Logger.Warn("session_leave_group_failed", "user_id", user.ID, "error", err)
		}
	}
	s.conn.Disconnect(ctx)
	err := errors.Join(s.kv.Remove(TokenKey), s.kv.Remove(UserKey))
	obs.Logger.Info("session_signed_out")
	return err
}

// forget drops the in-memory and stored credentials.
func (s *Session) forget() {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.mu.Unlock()
	if err := errors.Join(s.kv.Remove(TokenKey), s.kv.Remove(UserKey)); err != nil {
		obs.Logger.Warn("session_forget_failed", "error", err)
	}
}
