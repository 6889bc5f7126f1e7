package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WAV format codes
const (
	WAVFormatPCM   uint16 = 1
	WAVFormatMuLaw uint16 = 7
)

// wavHeader is the canonical 44-byte RIFF/WAVE header
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// WrapWAV prefixes headerless mono audio with a WAV header so it can be
// sent to backends that sniff the container. 16-bit PCM and 8-bit μ-law are supported.
func WrapWAV(data []byte, sampleRate int, audioFormat uint16) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot wrap empty audio")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	var bitsPerSample uint16
	switch audioFormat {
	case WAVFormatPCM:
		bitsPerSample = 16
	case WAVFormatMuLaw:
		bitsPerSample = 8
	default:
		return nil, fmt.Errorf("unsupported wav format code %d", audioFormat)
	}

	numChannels := uint16(1)
	blockAlign := numChannels * bitsPerSample / 8
	// Drop a trailing partial sample
	dataSize := uint32(len(data) - len(data)%int(blockAlign))

	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   audioFormat,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+int(dataSize)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write wav header: %w", err)
	}
	buf.Write(data[:dataSize])

	return buf.Bytes(), nil
}
