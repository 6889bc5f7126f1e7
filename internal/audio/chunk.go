package audio

import "time"

// AudioChunk is one ingested fragment of encoded audio.
// HasSpeech and Energy are assigned once during ingestion and never changed afterwards.
type AudioChunk struct {
	Data      []byte
	Timestamp time.Time
	MimeType  string
	Size      int
	Sequence  uint64 // strictly increasing per session, starting at 1
	HasSpeech bool
	Energy    float64 // 0.0 - 1.0
}

// NewAudioChunk stamps a chunk with its arrival metadata
func NewAudioChunk(data []byte, mimeType string, seq uint64, at time.Time) AudioChunk {
	return AudioChunk{
		Data:      data,
		Timestamp: at,
		MimeType:  mimeType,
		Size:      len(data),
		Sequence:  seq,
	}
}
