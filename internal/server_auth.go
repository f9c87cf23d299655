package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"teamchat/internal/storage"
)

// Identity is the snapshot of a user taken at handshake. It does not change
// for the life of the connection. TeamID is zero for users without a team.
type Identity struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	TeamID      int64  `json:"teamId,omitempty"`
}

// HasTeam reports whether the identity belongs to a team.
func (id Identity) HasTeam() bool {
	return id.TeamID != 0
}

func identityFromUser(user *storage.User) Identity {
	return Identity{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        user.Role,
		TeamID:      user.TeamID,
	}
}

// TokenVerifier validates a bearer credential and yields the user id it names.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// UserStore looks users up by id.
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*storage.User, error)
}

// Authenticator resolves a presented credential into an Identity.
type Authenticator struct {
	tokens  TokenVerifier
	users   UserStore
	timeout time.Duration
}

func NewAuthenticator(tokens TokenVerifier, users UserStore, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Authenticator{tokens: tokens, users: users, timeout: timeout}
}

// Authenticate validates token and loads the user it references. The user
// lookup is bounded by the handshake timeout.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrUnauthenticated
	}
	userID, err := a.tokens.Verify(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	user, err := a.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Identity{}, ErrHandshakeTimeout
		}
		return Identity{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	if user == nil {
		return Identity{}, ErrUnknownUser
	}
	return identityFromUser(user), nil
}

// credentialFromRequest reads the bearer token from the "token" query
// parameter or the Authorization header, in that order.
func credentialFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
