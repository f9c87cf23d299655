package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_IssueAndVerify(t *testing.T) {
	manager := NewTokenManager("test-secret", time.Hour)

	token, expiresAt, err := manager.Issue(42)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	userID, err := manager.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestTokenManager_Failures(t *testing.T) {
	valid := NewTokenManager("test-secret", time.Hour)
	token, _, err := valid.Issue(7)
	require.NoError(t, err)

	expired, _, err := NewTokenManager("test-secret", -time.Minute).Issue(7)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 7}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		manager *TokenManager
		token   string
		wantErr error
	}{
		{name: "garbage", manager: valid, token: "not-a-token", wantErr: ErrInvalidToken},
		{name: "signature mismatch", manager: NewTokenManager("other-secret", time.Hour), token: token, wantErr: ErrInvalidToken},
		{name: "expired", manager: valid, token: expired, wantErr: ErrExpiredToken},
		{name: "unsigned", manager: valid, token: unsigned, wantErr: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.manager.Verify(tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTokenManager_RejectsZeroUser(t *testing.T) {
	_, _, err := NewTokenManager("test-secret", time.Hour).Issue(0)
	assert.Error(t, err)
}
