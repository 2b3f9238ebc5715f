package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/pkg/jwt"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "call-agent dev")
}

func TestToken(t *testing.T) {
	userID := uuid.New()
	secret := "agent-test-secret-agent-test-secret"

	out, err := run(t, "token", "--secret", secret, "--user", userID.String(), "--name", "alice")
	require.NoError(t, err)

	claims, err := jwt.NewJWTManager(secret, 0).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	_, err = run(t, "token", "--secret", secret, "--user", "nope")
	assert.Error(t, err)
}

func TestCall_Validation(t *testing.T) {
	_, err := run(t, "call")
	assert.Error(t, err)

	_, err = run(t, "call", "not-a-uuid", "--token", "x")
	assert.ErrorContains(t, err, "invalid user id")

	_, err = run(t, "call", uuid.NewString(), "--token", "")
	assert.ErrorContains(t, err, "token")
}
