package provider

import (
	"encoding/binary"
	"testing"
)

func pcmFrame(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestBelowNoiseGate(t *testing.T) {
	tests := []struct {
		name      string
		frame     []byte
		threshold float64
		want      bool
	}{
		{"silence is gated", pcmFrame(0, 0, 0, 0), 0.01, true},
		{"quiet hiss is gated", pcmFrame(10, -12, 8, -9), 0.01, true},
		{"speech passes", pcmFrame(8000, -7500, 9000, -8200), 0.01, false},
		{"empty frame is gated", nil, 0.01, true},
		{"min-value sample does not overflow", pcmFrame(-32768, -32768), 0.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := belowNoiseGate(tt.frame, tt.threshold); got != tt.want {
				t.Errorf("belowNoiseGate() = %v, want %v", got, tt.want)
			}
		})
	}
}
