package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTipStatus_CanAdvanceTo(t *testing.T) {
	tests := []struct {
		name string
		from TipStatus
		to   TipStatus
		want bool
	}{
		{name: "pending to processing", from: TipStatusPending, to: TipStatusProcessing, want: true},
		{name: "pending to confirmed", from: TipStatusPending, to: TipStatusConfirmed, want: true},
		{name: "pending to failed", from: TipStatusPending, to: TipStatusFailed, want: true},
		{name: "processing to confirmed", from: TipStatusProcessing, to: TipStatusConfirmed, want: true},
		{name: "processing to failed", from: TipStatusProcessing, to: TipStatusFailed, want: true},
		{name: "processing back to pending", from: TipStatusProcessing, to: TipStatusPending, want: false},
		{name: "confirmed is terminal", from: TipStatusConfirmed, to: TipStatusFailed, want: false},
		{name: "confirmed back to processing", from: TipStatusConfirmed, to: TipStatusProcessing, want: false},
		{name: "failed is terminal", from: TipStatusFailed, to: TipStatusConfirmed, want: false},
		{name: "failed back to pending", from: TipStatusFailed, to: TipStatusPending, want: false},
		{name: "unknown status", from: TipStatus("BOGUS"), to: TipStatusConfirmed, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanAdvanceTo(tt.to))
		})
	}
}

func TestTipStatus_IsTerminal(t *testing.T) {
	assert.False(t, TipStatusPending.IsTerminal())
	assert.False(t, TipStatusProcessing.IsTerminal())
	assert.True(t, TipStatusConfirmed.IsTerminal())
	assert.True(t, TipStatusFailed.IsTerminal())
}
