package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digivault/escrowd/internal/fees"
)

func TestComputeVerificationDeadline(t *testing.T) {
	transfer := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := ComputeVerificationDeadline(transfer, 72)
	require.NoError(t, err)
	assert.Equal(t, transfer.UnixMilli()+72*3600*1000, got.UnixMilli())
	assert.Equal(t, time.UTC, got.Location())
}

func TestComputeVerificationDeadline_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("WIB", 7*3600)
	transfer := time.Date(2026, 3, 1, 19, 0, 0, 0, loc)

	got, err := ComputeVerificationDeadline(transfer, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), got)
}

func TestComputeVerificationDeadline_InvalidPeriod(t *testing.T) {
	for _, hours := range []int{0, -1} {
		_, err := ComputeVerificationDeadline(time.Now(), hours)
		var cfgErr *fees.ConfigurationError
		assert.True(t, errors.As(err, &cfgErr), "hours=%d", hours)
	}
}

func TestIsExpired(t *testing.T) {
	assert.False(t, IsExpired(nil))

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	assert.True(t, IsExpired(&past))
	assert.False(t, IsExpired(&future))
}

func TestIsExpiredAt_StrictlyAfter(t *testing.T) {
	deadline := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	assert.False(t, IsExpiredAt(&deadline, deadline))
	assert.True(t, IsExpiredAt(&deadline, deadline.Add(time.Millisecond)))
	assert.False(t, IsExpiredAt(&deadline, deadline.Add(-time.Millisecond)))
}
