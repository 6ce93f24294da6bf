package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWrapsCauseWithStack(t *testing.T) {
	cause := errors.New("boom")
	e := New(Timeout, "find_node timed out", cause)
	assert.Equal(t, Timeout, e.Kind)
	assert.Contains(t, e.Error(), "boom")
	require.Error(t, e.Unwrap())
}

func TestNewWithoutCauseOmitsCauseSuffix(t *testing.T) {
	e := New(InvalidIDFormat, "bad id", nil)
	assert.Nil(t, e.Unwrap())
	assert.Equal(t, "InvalidIDFormat: bad id", e.Error())
}

func TestRemediationNeverEmpty(t *testing.T) {
	kinds := []Kind{
		InvalidIDFormat, InvalidToken, ExpiredToken, TokenMismatch,
		VersionIncompatible, Timeout, Unreachable, TransportRefused,
		RoutingTableFull, NetworkIsolated, CoordinatorUnavail,
		DuplicateMessage, BackpressureDropped, Unknown,
	}
	for _, k := range kinds {
		assert.NotEmpty(t, Remediation(k), "kind %s must carry remediation text", k)
	}
}

func TestRemediationFallsBackToUnknownForUnregisteredKind(t *testing.T) {
	assert.Equal(t, Remediation(Unknown), Remediation(Kind("something-new")))
}

func TestRetryableClassifiesTransportErrors(t *testing.T) {
	assert.True(t, Retryable(Timeout))
	assert.True(t, Retryable(Unreachable))
	assert.True(t, Retryable(TransportRefused))
	assert.True(t, Retryable(CoordinatorUnavail))

	assert.False(t, Retryable(InvalidToken))
	assert.False(t, Retryable(VersionIncompatible))
	assert.False(t, Retryable(DuplicateMessage))
}

func TestResultOkCarriesValue(t *testing.T) {
	r := Ok(42)
	assert.True(t, r.IsOk())
	v, ok := r.Value()
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Nil(t, r.Error())
	assert.Nil(t, r.Remediation())
	assert.Equal(t, 42, r.Unwrap())
}

func TestResultErrCarriesRemediation(t *testing.T) {
	r := Err[string](NetworkIsolated, "no connected peers", nil)
	assert.False(t, r.IsOk())
	_, ok := r.Value()
	assert.False(t, ok)
	require.NotNil(t, r.Error())
	assert.Equal(t, NetworkIsolated, r.Error().Kind)
	assert.NotEmpty(t, r.Remediation())
}

func TestResultUnwrapPanicsOnErr(t *testing.T) {
	r := Err[int](Timeout, "join timed out", nil)
	assert.Panics(t, func() { r.Unwrap() })
}
