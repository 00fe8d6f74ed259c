package operator

import (
	"errors"
	"fmt"
	"time"
)

// Scopes of privileged actions.
const (
	ScopeEnableTrading   = "trading:enable"
	ScopeEnableGateway   = "gateway:enable"
	ScopeResetEvaluation = "evaluation:reset"
	ScopeWeights         = "learning:weights"
)

var (
	ErrMachineMismatch = errors.New("operator token issued for another machine")
	ErrScopeDenied     = errors.New("operator token lacks scope")
)

// Manager issues and validates operator tokens for this host.
type Manager struct {
	secret  string
	machine func() (string, error)
}

// NewManager binds tokens to the local machine id.
func NewManager(secret string) *Manager {
	return &Manager{secret: secret, machine: MachineID}
}

// NewManagerForMachine binds tokens to a fixed machine id.
func NewManagerForMachine(secret, machine string) *Manager {
	return &Manager{secret: secret, machine: func() (string, error) { return machine, nil }}
}

// Issue signs a token for operator on this machine.
func (m *Manager) Issue(operator string, scopes []string, ttl time.Duration) (string, error) {
	mid, err := m.machine()
	if err != nil {
		return "", fmt.Errorf("machine id: %w", err)
	}
	return CreateToken(m.secret, operator, mid, scopes, ttl)
}

// Validate checks signature, expiry, host binding and scope; it returns the operator name.
func (m *Manager) Validate(token, scope string) (string, error) {
	mid, err := m.machine()
	if err != nil {
		return "", fmt.Errorf("machine id: %w", err)
	}
	claims, err := ParseToken(m.secret, token)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Machine != mid {
		return "", ErrMachineMismatch
	}
	if !claims.Allows(scope) {
		return "", fmt.Errorf("%w: %s", ErrScopeDenied, scope)
	}
	return claims.Operator, nil
}
