package operator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123"

func TestIssueAndValidate(t *testing.T) {
	m := NewManagerForMachine(secret, "host-a")

	tok, err := m.Issue("risk-desk", []string{ScopeResetEvaluation}, time.Minute)
	require.NoError(t, err)

	op, err := m.Validate(tok, ScopeResetEvaluation)
	require.NoError(t, err)
	assert.Equal(t, "risk-desk", op)

	_, err = m.Validate(tok, ScopeEnableGateway)
	assert.ErrorIs(t, err, ErrScopeDenied)
}

func TestValidateRejects(t *testing.T) {
	issuer := NewManagerForMachine(secret, "host-a")
	tok, err := issuer.Issue("risk-desk", nil, time.Minute)
	require.NoError(t, err)

	t.Run("other machine", func(t *testing.T) {
		_, err := NewManagerForMachine(secret, "host-b").Validate(tok, ScopeEnableTrading)
		assert.ErrorIs(t, err, ErrMachineMismatch)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewManagerForMachine("another-secret-0000", "host-a").Validate(tok, ScopeEnableTrading)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		old, err := CreateToken(secret, "risk-desk", "host-a", nil, -time.Minute)
		require.NoError(t, err)
		_, err = issuer.Validate(old, ScopeEnableTrading)
		assert.Error(t, err)
	})
}
