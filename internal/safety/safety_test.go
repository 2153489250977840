package safety_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/delta_neutral/internal/safety"
)

func TestNoLiveFlagStaysDry(t *testing.T) {
	t.Setenv(safety.ConfirmEnvVar, "1")

	live, err := safety.RequireLiveConfirmation(false, "enter")

	require.NoError(t, err)
	assert.False(t, live, "without --live nothing may be placed, regardless of env")
}

func TestLiveFlagWithoutEnvBlocked(t *testing.T) {
	t.Setenv(safety.ConfirmEnvVar, "")

	live, err := safety.RequireLiveConfirmation(true, "enter")

	assert.False(t, live)
	require.Error(t, err)
	assert.ErrorIs(t, err, safety.ErrLiveTradingBlocked)
}

func TestLiveFlagWithWrongEnvBlocked(t *testing.T) {
	t.Setenv(safety.ConfirmEnvVar, "yes")

	live, err := safety.RequireLiveConfirmation(true, "close")

	assert.False(t, live)
	assert.ErrorIs(t, err, safety.ErrLiveTradingBlocked)
}

func TestLiveFlagWithEnvConfirmed(t *testing.T) {
	t.Setenv(safety.ConfirmEnvVar, "1")

	live, err := safety.RequireLiveConfirmation(true, "auto rebalancing")

	require.NoError(t, err)
	assert.True(t, live)
}
