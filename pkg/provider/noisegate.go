package provider

// belowNoiseGate reports whether a PCM s16le mono frame's mean absolute
// amplitude sits under threshold, expressed as a fraction of full scale
// (0..1). Frames under the gate are background noise the provider's VAD
// would only waste cycles on.
func belowNoiseGate(pcm []byte, threshold float64) bool {
	if len(pcm) < 2 {
		return true
	}
	var sum int64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		if s < 0 {
			// -32768 negates to itself; clamp instead of overflowing.
			if s == -32768 {
				s = 32767
			} else {
				s = -s
			}
		}
		sum += int64(s)
	}
	mean := float64(sum) / float64(n)
	return mean < threshold*32767.0
}
