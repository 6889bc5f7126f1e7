package audio

import (
	"fmt"
	"math"
	"strings"
)

// maxSampleMagnitude is the magnitude of the most negative 16-bit sample
const maxSampleMagnitude = 32768.0

// mulawBias is the G.711 μ-law encoding bias
const mulawBias = 0x84

// BytesToSamples interprets data as 16-bit signed little-endian PCM.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// IsMulaw reports whether a content type hint names G.711 μ-law audio
func IsMulaw(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "audio/x-mulaw", "audio/mulaw", "audio/basic", "audio/pcmu":
		return true
	}
	return false
}

// ConvertPCMUToPCM converts G.711 PCMU (μ-law) to linear 16-bit little-endian PCM
func ConvertPCMUToPCM(pcmuData []byte) ([]byte, error) {
	if len(pcmuData) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}

	pcmData := make([]byte, len(pcmuData)*2) // 16-bit output

	for i, mulawByte := range pcmuData {
		sample := mulawToLinear(mulawByte)
		pcmData[i*2] = byte(sample)
		pcmData[i*2+1] = byte(sample >> 8)
	}

	return pcmData, nil
}

// mulawToLinear expands an 8-bit μ-law sample to 16-bit linear PCM (G.711, ±32124 full scale)
func mulawToLinear(mulawByte byte) int16 {
	// μ-law stores every bit inverted
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa<<3)+mulawBias)<<segment - mulawBias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizedEnergy returns the RMS of data read as 16-bit PCM, scaled to [0,1]
func NormalizedEnergy(data []byte) float64 {
	energy := CalculateRMS(BytesToSamples(data)) / maxSampleMagnitude
	if energy > 1.0 {
		return 1.0
	}
	return energy
}
