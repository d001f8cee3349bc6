// Package audio holds the PCM helpers shared by capture, playback and the
// ambient soundscape.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BytesToSamples decodes little-endian 16-bit PCM
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm length %d is not a whole number of 16-bit samples", len(pcm))
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Resample converts samples between rates by linear interpolation
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	out := make([]int16, len(samples)*outputRate/inputRate)
	for i := range out {
		pos := float64(i) * float64(inputRate) / float64(outputRate)
		i0 := int(pos)
		i1 := i0 + 1
		if i1 >= len(samples) {
			i1 = len(samples) - 1
		}
		frac := pos - float64(i0)
		out[i] = int16(float64(samples[i0])*(1-frac) + float64(samples[i1])*frac)
	}
	return out
}

// PCMToMulaw converts 16-bit PCM at inputRate to G.711 μ-law at outputRate
func PCMToMulaw(pcm []byte, inputRate, outputRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	samples = Resample(samples, inputRate, outputRate)

	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out, nil
}

// MulawToPCM converts G.711 μ-law to 16-bit PCM at the same rate
func MulawToPCM(ulaw []byte) ([]byte, error) {
	if len(ulaw) == 0 {
		return nil, fmt.Errorf("empty μ-law data")
	}
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawToLinear(b)))
	}
	return out, nil
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// linearToMulaw encodes one sample per ITU-T G.711
func linearToMulaw(sample int16) byte {
	var sign byte
	mag := int32(sample)
	if mag < 0 {
		sign = 0x80
		mag = -mag
	}
	if mag > mulawClip {
		mag = mulawClip
	}
	mag += mulawBias

	exp := byte(7)
	for mask := int32(0x4000); mag&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := byte(mag>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mantissa)
}

func mulawToLinear(b byte) int16 {
	b = ^b
	exp := (b >> 4) & 0x07
	mag := ((int32(b&0x0F) << 3) + mulawBias) << exp
	mag -= mulawBias
	if b&0x80 != 0 {
		return int16(-mag)
	}
	return int16(mag)
}

// Gain scales samples by g in place, saturating at the int16 range
func Gain(samples []int16, g float64) {
	for i, s := range samples {
		samples[i] = saturate(float64(s) * g)
	}
}

func saturate(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// CalculateRMS returns the root mean square of samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
