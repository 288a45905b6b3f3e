package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoicePacketRoundTrip(t *testing.T) {
	original := &VoicePacket{
		SenderID:    10,
		Seq:         1234,
		TimestampMs: 56789,
		Payload:     []byte{1, 2, 3, 4, 5},
	}

	data, err := original.Serialize()
	require.NoError(t, err)

	parsed, err := ParseVoicePacket(data)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestVoicePacketPayloadLimit(t *testing.T) {
	p := &VoicePacket{Payload: make([]byte, MaxVoicePayload+1)}
	_, err := p.Serialize()
	assert.ErrorIs(t, err, ErrVoicePayloadTooLarge)
}

func TestParseVoicePacketErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrVoicePacketTooShort},
		{"wrong type", []byte{byte(PacketVoicePing), 0, 0, 0, 1}, ErrNotVoicePacket},
		{"header cut short", []byte{byte(PacketVoice), 0, 0}, ErrVoicePacketTooShort},
		{
			// Header declares 10 payload bytes but carries none.
			"payload cut short",
			[]byte{byte(PacketVoice), 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 10},
			ErrVoicePacketTooShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVoicePacket(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSerializeVoicePing(t *testing.T) {
	data := SerializeVoicePing(0x01020304)
	assert.Equal(t, []byte{byte(PacketVoicePing), 1, 2, 3, 4}, data)
}
