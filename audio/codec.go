package audio

import "encoding/binary"

// FloatToPCM16 converts float32 samples in [-1, 1] to signed 16-bit PCM.
// Out-of-range samples are clamped. Negative values scale by 32768 and
// non-negative by 32767 to cover the asymmetric signed range.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// PCM16ToFloat is the inverse of FloatToPCM16, using the same
// sign-dependent divisor.
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}

// DurationSeconds returns the playback duration of sampleCount samples of a
// single channel at sampleRate.
func DurationSeconds(sampleCount, sampleRate int) float64 {
	if sampleRate == 0 {
		return 0
	}
	return float64(sampleCount) / float64(sampleRate)
}

// PCM16Bytes packs samples as little-endian bytes, the layout expected by
// the playback device and the wire.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 unpacks little-endian PCM16 bytes. A trailing odd byte is
// ignored.
func BytesToPCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
