package audio

import (
	"bytes"
	"sync"
)

// Format tags a container format detected from byte signatures
type Format string

const (
	FormatWebM    Format = "webm"
	FormatOgg     Format = "ogg"
	FormatWAV     Format = "wav"
	FormatMP4     Format = "mp4"
	FormatUnknown Format = "unknown"
)

// sniffWindow is how many leading bytes keyword sniffing inspects
const sniffWindow = 100

var (
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	oggMagic  = []byte("OggS")
	riffMagic = []byte("RIFF")
	waveMagic = []byte("WAVE")
	ftypAtom  = []byte("ftyp")
)

// keyword hints checked in order when no magic number matches
var sniffKeywords = []struct {
	keyword []byte
	format  Format
}{
	{[]byte("webm"), FormatWebM},
	{[]byte("matroska"), FormatWebM},
	{[]byte("opushead"), FormatOgg},
	{[]byte("vorbis"), FormatOgg},
	{[]byte("wave"), FormatWAV},
	{[]byte("ftyp"), FormatMP4},
}

// DetectFormat inspects the leading bytes of a chunk for a container signature
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, ebmlMagic):
		return FormatWebM
	case bytes.HasPrefix(data, oggMagic):
		return FormatOgg
	case len(data) >= 12 && bytes.HasPrefix(data, riffMagic) && bytes.Equal(data[8:12], waveMagic):
		return FormatWAV
	case len(data) >= 8 && bytes.Equal(data[4:8], ftypAtom):
		return FormatMP4
	}

	window := data
	if len(window) > sniffWindow {
		window = window[:sniffWindow]
	}
	window = bytes.ToLower(window)
	for _, kw := range sniffKeywords {
		if bytes.Contains(window, kw.keyword) {
			return kw.format
		}
	}
	return FormatUnknown
}

// ContainerReconstructor remembers the header fragment of a stream so that
// later fragments can be reassembled into a decodable container.
type ContainerReconstructor struct {
	mu      sync.RWMutex
	headers map[Format][]byte
}

// NewContainerReconstructor creates an empty reconstructor
func NewContainerReconstructor() *ContainerReconstructor {
	return &ContainerReconstructor{
		headers: make(map[Format][]byte),
	}
}

// DetectFormat inspects the leading bytes of a chunk for a container signature
func (r *ContainerReconstructor) DetectFormat(data []byte) Format {
	return DetectFormat(data)
}

// CaptureHeader stores data as the header for format the first time it is seen.
// Returns true only when a capture happened.
func (r *ContainerReconstructor) CaptureHeader(data []byte, format Format) bool {
	if format == FormatUnknown || len(data) == 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.headers[format]; exists {
		return false
	}
	header := make([]byte, len(data))
	copy(header, data)
	r.headers[format] = header
	return true
}

// Header returns the captured header for format
func (r *ContainerReconstructor) Header(format Format) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	header, ok := r.headers[format]
	return header, ok
}

// Reconstruct concatenates fragments behind the captured header for format,
// skipping fragments identical to the header. Without a header it is plain concatenation.
func (r *ContainerReconstructor) Reconstruct(fragments [][]byte, format Format) []byte {
	header, ok := r.Header(format)
	if !ok {
		return concat(fragments, nil)
	}
	return concat(fragments, header)
}

func concat(fragments [][]byte, header []byte) []byte {
	total := len(header)
	for _, f := range fragments {
		total += len(f)
	}

	out := make([]byte, 0, total)
	out = append(out, header...)
	for _, f := range fragments {
		if header != nil && bytes.Equal(f, header) {
			continue
		}
		out = append(out, f...)
	}
	return out
}
