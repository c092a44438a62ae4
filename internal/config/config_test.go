package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatchOverridesApply(t *testing.T) {
	base := DefaultBatchConfig()

	digest := false
	maxWait := time.Minute
	overrides := &BatchOverrides{
		DigestMode: &digest,
		MaxWait:    &maxWait,
	}

	merged := overrides.Apply(base)

	assert.False(t, merged.DigestMode)
	assert.Equal(t, time.Minute, merged.MaxWait)
	// Unset overrides keep the defaults.
	assert.Equal(t, base.WaitForMore, merged.WaitForMore)
	assert.Equal(t, base.NewThreshold, merged.NewThreshold)

	// The shared defaults must never be mutated by a merge.
	assert.True(t, base.DigestMode)
	assert.Equal(t, 4*time.Second, base.MaxWait)
}

func TestBatchOverridesApplyNil(t *testing.T) {
	var overrides *BatchOverrides
	base := DefaultBatchConfig()
	assert.Equal(t, base, overrides.Apply(base))
}

func TestDefaultBatchConfig(t *testing.T) {
	batch := DefaultBatchConfig()

	assert.True(t, batch.DigestMode)
	assert.Equal(t, 7*24*time.Hour, batch.EscalationReminderCadence)
	assert.Equal(t, 10*time.Second, batch.EscalationTime)
	assert.Equal(t, 4*time.Second, batch.MaxWait)
	assert.Equal(t, 7*24*time.Hour, batch.NewThreshold)
	assert.Equal(t, 7*24*time.Hour, batch.OwnerReminderCadence)
	assert.Equal(t, 3*time.Second, batch.WaitForMore)
}
