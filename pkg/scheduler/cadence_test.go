package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEscalateCadence(t *testing.T) {
	cases := []struct {
		name    string
		conf    map[string]any
		cadence time.Duration
		exempt  bool
	}{
		{"missing key", map[string]any{}, defaultEscalateCadence, false},
		{"nil exempts", map[string]any{"escalate_cadence": nil}, 0, true},
		{"false exempts", map[string]any{"escalate_cadence": false}, 0, true},
		{"true keeps default", map[string]any{"escalate_cadence": true}, defaultEscalateCadence, false},
		{"duration string", map[string]any{"escalate_cadence": "12h"}, 12 * time.Hour, false},
		{"day suffix", map[string]any{"escalate_cadence": "2d"}, 48 * time.Hour, false},
		{"empty string exempts", map[string]any{"escalate_cadence": ""}, 0, true},
		{"zero exempts", map[string]any{"escalate_cadence": 0}, 0, true},
		{"seconds number", map[string]any{"escalate_cadence": float64(3600)}, time.Hour, false},
		{"native duration", map[string]any{"escalate_cadence": 6 * time.Hour}, 6 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cadence, exempt := escalateCadence(tc.conf)
			assert.Equal(t, tc.exempt, exempt)
			assert.Equal(t, tc.cadence, cadence)
		})
	}
}
