package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payhub/internal/auth"
)

func TestService(t *testing.T) {
	svc := auth.NewService("test-secret")

	t.Run("should round-trip address and admin flag", func(t *testing.T) {
		tok, err := svc.IssueToken("0xseller", true, time.Hour)
		require.NoError(t, err)

		claims, err := svc.VerifyToken(tok)
		require.NoError(t, err)
		assert.Equal(t, "0xseller", claims.Address)
		assert.True(t, claims.Admin)
	})

	t.Run("should accept a Bearer prefix", func(t *testing.T) {
		tok, err := svc.IssueToken("0xbuyer", false, time.Hour)
		require.NoError(t, err)

		claims, err := svc.VerifyToken("Bearer " + tok)
		require.NoError(t, err)
		assert.Equal(t, "0xbuyer", claims.Address)
		assert.False(t, claims.Admin)
	})

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		other := auth.NewService("other-secret")
		tok, err := other.IssueToken("0xbuyer", false, time.Hour)
		require.NoError(t, err)

		_, err = svc.VerifyToken(tok)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		tok, err := svc.IssueToken("0xbuyer", false, -time.Minute)
		require.NoError(t, err)

		_, err = svc.VerifyToken(tok)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, err := svc.VerifyToken("not-a-token")
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("should reject a token without an address", func(t *testing.T) {
		tok, err := svc.IssueToken("", false, time.Hour)
		require.NoError(t, err)

		_, err = svc.VerifyToken(tok)
		assert.ErrorIs(t, err, auth.ErrNoAddress)
	})
}
