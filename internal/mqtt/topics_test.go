package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

func TestCallsignFromTopic(t *testing.T) {
	tests := []struct {
		topic    string
		callsign string
		ok       bool
	}{
		{"stations/MUCODE/confirm", "MUCODE", true},
		{"lockers/MUCODE-01/report", "MUCODE-01", true},
		{"stations//confirm", "", false},
		{"stations/MUCODE", "", false},
		{"stations/MUCODE/confirm/extra", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		callsign, ok := callsignFromTopic(tt.topic)
		assert.Equal(t, tt.ok, ok, "topic %q", tt.topic)
		assert.Equal(t, tt.callsign, callsign, "topic %q", tt.topic)
	}
}

func TestParseTerminalMode(t *testing.T) {
	mode, ok := parseTerminalMode("verification")
	assert.True(t, ok)
	assert.Equal(t, models.TerminalVerification, mode)

	mode, ok = parseTerminalMode(" IDLE \n")
	assert.True(t, ok)
	assert.Equal(t, models.TerminalIdle, mode)

	_, ok = parseTerminalMode("REBOOT")
	assert.False(t, ok)

	_, ok = parseTerminalMode("")
	assert.False(t, ok)
}

func TestParseTerminalAction(t *testing.T) {
	session, terminal, ok := parseTerminalAction("VERIFICATION")
	assert.True(t, ok)
	assert.Equal(t, models.SessionVerificationPending, session)
	assert.Equal(t, models.TerminalVerification, terminal)

	session, terminal, ok = parseTerminalAction("payment")
	assert.True(t, ok)
	assert.Equal(t, models.SessionPaymentPending, session)
	assert.Equal(t, models.TerminalPayment, terminal)

	_, _, ok = parseTerminalAction("refund")
	assert.False(t, ok)
}

func TestPayloadIs(t *testing.T) {
	assert.True(t, payloadIs([]byte("unlocked"), models.LockerUnlocked))
	assert.True(t, payloadIs([]byte(" LOCKED\n"), models.LockerLocked))
	assert.False(t, payloadIs([]byte("unlocked"), models.LockerLocked))
	assert.False(t, payloadIs(nil, models.LockerLocked))
}
