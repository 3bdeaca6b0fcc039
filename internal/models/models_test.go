package models

import "testing"

func TestChipTransitions(t *testing.T) {
	cases := []struct {
		from, to ChipStatus
		want     bool
	}{
		{ChipWaitingQR, ChipConnecting, true},
		{ChipConnecting, ChipConnected, true},
		{ChipConnected, ChipMaturing, true},
		{ChipMaturing, ChipConnected, true},
		{ChipWaitingQR, ChipMaturing, false},
		{ChipDisconnected, ChipMaturing, false},
		{ChipMaintenance, ChipMaturing, false},
		{ChipMaturing, ChipDisconnected, true},
		{ChipWaitingQR, ChipBanned, true},
		{ChipBanned, ChipConnected, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMessageStatusMonotonic(t *testing.T) {
	if !MessagePending.CanAdvance(MessageSending) {
		t.Error("pending -> sending must be allowed")
	}
	if !MessageFailed.CanAdvance(MessageSending) {
		t.Error("failed -> sending (retry) must be allowed")
	}
	if MessageSent.CanAdvance(MessagePending) {
		t.Error("sent -> pending must be rejected")
	}
	if MessageDelivered.CanAdvance(MessageSent) {
		t.Error("delivered -> sent must be rejected")
	}
}

func TestOutstanding(t *testing.T) {
	m := &CampaignMessage{Status: MessageFailed, Attempts: 2}
	if !m.Outstanding(3) {
		t.Error("failed message with attempts left is outstanding")
	}
	if m.Outstanding(2) {
		t.Error("failed message with no attempts left is terminal")
	}
	m.Status = MessageSent
	if m.Outstanding(3) {
		t.Error("sent message is not outstanding")
	}
}

func TestHealthAdjustmentApply(t *testing.T) {
	cases := []struct {
		score, delta int
		active       bool
		wantScore    int
		wantActive   bool
	}{
		{98, 5, true, 100, true},
		{50, -20, true, 30, true},
		{40, -20, true, 20, false},
		{10, -20, true, 0, false},
		{90, 5, false, 95, false},
	}
	for _, tc := range cases {
		adj := HealthAdjustment{Delta: tc.delta, Max: 100, Floor: 30}
		score, active := adj.Apply(tc.score, tc.active)
		if score != tc.wantScore || active != tc.wantActive {
			t.Errorf("Apply(%d, %v) delta %d = (%d, %v), want (%d, %v)",
				tc.score, tc.active, tc.delta, score, active, tc.wantScore, tc.wantActive)
		}
	}
}
