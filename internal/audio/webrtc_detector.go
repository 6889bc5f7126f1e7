package audio

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// WebRTCDetector is a FrameDetector backed by the WebRTC voice activity detector.
// It is not safe for concurrent use; every session owns its own instance.
type WebRTCDetector struct {
	vad *webrtcvad.VAD
}

// NewWebRTCDetector creates a detector at the given aggressiveness (0 = least, 3 = most)
func NewWebRTCDetector(aggressiveness int) (*WebRTCDetector, error) {
	if aggressiveness < 0 || aggressiveness > 3 {
		return nil, fmt.Errorf("vad aggressiveness must be between 0 and 3, got %d", aggressiveness)
	}

	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc vad: %w", err)
	}
	if err := vad.SetMode(aggressiveness); err != nil {
		return nil, fmt.Errorf("failed to set vad mode %d: %w", aggressiveness, err)
	}

	return &WebRTCDetector{vad: vad}, nil
}

// WebRTCDetectorFactory is a DetectorFactory producing WebRTC detectors
func WebRTCDetectorFactory(aggressiveness int) (FrameDetector, error) {
	d, err := NewWebRTCDetector(aggressiveness)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ValidFrame implements FrameDetector. WebRTC accepts 10, 20 or 30 ms frames
// at 8, 16, 32 or 48 kHz.
func (d *WebRTCDetector) ValidFrame(sampleRate, frameSamples int) bool {
	return d.vad.ValidRateAndFrameLength(sampleRate, frameSamples)
}

// IsSpeech implements FrameDetector
func (d *WebRTCDetector) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	return d.vad.Process(sampleRate, frame)
}
