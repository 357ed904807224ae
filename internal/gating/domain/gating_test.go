package domain

import (
	"testing"
	"time"
)

func TestEffectiveEnabled(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name       string
		aiEnabled  bool
		mutedUntil *time.Time
		want       bool
	}{
		{"enabled, no mute", true, nil, true},
		{"disabled, no mute", false, nil, false},
		{"enabled, active mute", true, &future, false},
		{"disabled, active mute", false, &future, false},
		{"enabled, expired mute", true, &past, true},
		{"disabled, expired mute", false, &past, false},
	}

	for _, tc := range tests {
		state := &GatingState{AiEnabled: tc.aiEnabled, MutedUntil: tc.mutedUntil}
		if got := EffectiveEnabled(state, now); got != tc.want {
			t.Errorf("%s: EffectiveEnabled = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// A lapsed mute reverts to the flag value from before the mute, even when
// that flag disagrees with whatever the organization default would be.
func TestExpiredMuteRevertsToUnderlyingFlag(t *testing.T) {
	muteEnd := time.Now()
	state := &GatingState{AiEnabled: false, MutedUntil: &muteEnd}

	during := muteEnd.Add(-30 * time.Second)
	after := muteEnd.Add(time.Nanosecond)

	if EffectiveEnabled(state, during) {
		t.Error("conversation should be muted during the window")
	}
	if EffectiveEnabled(state, after) {
		t.Error("after the window the underlying disabled flag must hold")
	}

	state.AiEnabled = true
	if !EffectiveEnabled(state, after) {
		t.Error("after the window the underlying enabled flag must hold")
	}
}

func TestMuteActiveBoundary(t *testing.T) {
	boundary := time.Now()
	state := &GatingState{MutedUntil: &boundary}

	if MuteActive(state, boundary) {
		t.Error("mute expiring exactly now should no longer be active")
	}
	if !MuteActive(state, boundary.Add(-time.Nanosecond)) {
		t.Error("mute should be active just before expiry")
	}
}
