package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentIDValid(t *testing.T) {
	tests := []struct {
		id    ComponentID
		valid bool
	}{
		{"doctor", true},
		{"igor-3", true},
		{"frank.payments_1", true},
		{"broadcast", false},
		{"", false},
		{"Doctor", false},
		{"igor 3", false},
		{ComponentID(string(make([]byte, 65))), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.id.Valid(), "id %q", tt.id)
	}
}

func TestComponentIDRoleKind(t *testing.T) {
	assert.Equal(t, KindDoctor, ComponentID("doctor").RoleKind())
	assert.Equal(t, KindDoctor, ComponentID("doctor-2").RoleKind())
	assert.Equal(t, KindIgor, ComponentID("igor.checkout").RoleKind())
	assert.Equal(t, KindFrank, ComponentID("frank-7").RoleKind())
	assert.Equal(t, KindTool, ComponentID("doctored").RoleKind())
	assert.Equal(t, KindTool, ComponentID("cluster-probe").RoleKind())
}

func TestMessageValidate(t *testing.T) {
	m := NewMessage("igor", "doctor", TypePlanSubmit, map[string]any{"id": "p1"})
	require.NoError(t, m.Validate())

	m.Target = Broadcast
	require.NoError(t, m.Validate())

	m.Source = ""
	require.Error(t, m.Validate())
}

func TestEnsureCorrelation(t *testing.T) {
	m := NewMessage("igor", "doctor", TypeStepStarted, nil)
	require.Empty(t, m.CorrelationID)
	m.EnsureCorrelation()
	first := m.CorrelationID
	require.NotEmpty(t, first)

	// Already-correlated messages keep their thread
	m.EnsureCorrelation()
	assert.Equal(t, first, m.CorrelationID)
}

func TestSignAndVerify(t *testing.T) {
	signer := NewSigner("cluster-secret")
	m := NewMessage("igor", "doctor", TypePlanSubmit, map[string]any{
		"id":    "p1",
		"steps": []any{map[string]any{"action": "wait", "params": map[string]any{"ms": float64(10)}}},
	})

	require.NoError(t, signer.Sign(m))
	require.NotEmpty(t, m.Signature)
	assert.True(t, signer.Verify(m))

	// Field order on the wire must not affect verification
	encoded, err := m.Encode()
	require.NoError(t, err)
	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.True(t, signer.Verify(decoded))
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer := NewSigner("cluster-secret")
	m := NewMessage("igor", "doctor", TypePlanSubmit, map[string]any{"id": "p1"})
	require.NoError(t, signer.Sign(m))

	m.Payload["id"] = "p2"
	assert.False(t, signer.Verify(m))

	m.Payload["id"] = "p1"
	assert.True(t, signer.Verify(m))

	// Wrong secret
	other := NewSigner("other-secret")
	assert.False(t, other.Verify(m))

	// Unsigned message never verifies
	m.Signature = ""
	assert.False(t, signer.Verify(m))
}

func TestVersionCompatible(t *testing.T) {
	min := "2026-01-01-v1"

	assert.True(t, VersionCompatible("2026-01-21-v11", min))
	assert.True(t, VersionCompatible("2026-01-01-v1", min))
	assert.False(t, VersionCompatible("2025-12-31-v9", min))
	assert.False(t, VersionCompatible("not-a-version", min))
	assert.False(t, VersionCompatible("", min))
}
