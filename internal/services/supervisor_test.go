package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/supakiln/engine/internal/store"
)

func TestShouldRestart(t *testing.T) {
	cases := []struct {
		policy   store.RestartPolicy
		exitCode int
		active   bool
		want     bool
	}{
		{store.RestartAlways, 0, true, true},
		{store.RestartAlways, 1, true, true},
		{store.RestartOnFailure, 0, true, false},
		{store.RestartOnFailure, 1, true, true},
		{store.RestartOnFailure, 137, true, true},
		{store.RestartNever, 0, true, false},
		{store.RestartNever, 1, true, false},
	}
	for _, tc := range cases {
		got := shouldRestart(tc.policy, tc.exitCode, tc.active)
		assert.Equal(t, tc.want, got, "policy=%s exit=%d", tc.policy, tc.exitCode)
	}
}

func TestShouldRestartSkipsDeactivatedService(t *testing.T) {
	// Deactivation wins over every policy, including always.
	assert.False(t, shouldRestart(store.RestartAlways, 1, false))
	assert.False(t, shouldRestart(store.RestartAlways, 0, false))
	assert.False(t, shouldRestart(store.RestartOnFailure, 1, false))
}

func TestShouldRestartUnknownPolicy(t *testing.T) {
	assert.False(t, shouldRestart(store.RestartPolicy("bogus"), 1, true))
}
