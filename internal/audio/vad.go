package audio

// DefaultHistorySize is the number of recent voice decisions kept for the speech ratio
const DefaultHistorySize = 50

// frameDurationsMs are the frame lengths a frame-level detector may accept, largest first
var frameDurationsMs = []int{30, 20, 10}

// FrameDetector is a frame-level voice activity backend, typically a native
// WebRTC-style detector. Frames are 16-bit little-endian mono PCM.
type FrameDetector interface {
	// ValidFrame reports whether frames of frameSamples samples at sampleRate are supported
	ValidFrame(sampleRate, frameSamples int) bool

	// IsSpeech classifies one frame
	IsSpeech(frame []byte, sampleRate int) (bool, error)
}

// DetectorFactory builds a FrameDetector for an aggressiveness level (0 = least, 3 = most)
type DetectorFactory func(aggressiveness int) (FrameDetector, error)

// ClassifierConfig holds configuration for voice activity classification
type ClassifierConfig struct {
	EnergyThreshold float64 // normalized RMS above which a chunk counts as speech when no detector answers
	HistorySize     int     // number of decisions kept for SpeechRatio
}

// DefaultClassifierConfig returns a default classifier configuration
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		EnergyThreshold: 0.01,
		HistorySize:     DefaultHistorySize,
	}
}

// Classifier scores chunks for speech and energy.
// Implementations are not safe for concurrent use; the owning session serializes calls.
type Classifier interface {
	// Analyze returns whether the chunk contains speech and its normalized energy
	Analyze(data []byte, sampleRate int) (hasSpeech bool, energy float64)

	// SpeechRatio returns the fraction of recent decisions that were speech, 0 when empty
	SpeechRatio() float64

	// Name identifies the strategy for logs and metrics
	Name() string
}

// NewClassifier picks the detector-backed strategy when a detector is available
// and the energy-only strategy otherwise.
func NewClassifier(cfg ClassifierConfig, detector FrameDetector) Classifier {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	energy := &EnergyClassifier{
		threshold: cfg.EnergyThreshold,
		history:   NewRing[bool](cfg.HistorySize),
	}
	if detector == nil {
		return energy
	}
	return &FrameClassifier{
		detector: detector,
		fallback: energy,
	}
}

// EnergyClassifier thresholds the chunk RMS energy
type EnergyClassifier struct {
	threshold float64
	history   *Ring[bool]
}

// Analyze implements Classifier
func (c *EnergyClassifier) Analyze(data []byte, sampleRate int) (bool, float64) {
	energy := NormalizedEnergy(data)
	speech := energy > c.threshold
	c.history.Push(speech)
	return speech, energy
}

// SpeechRatio implements Classifier
func (c *EnergyClassifier) SpeechRatio() float64 {
	return speechRatio(c.history)
}

// Name implements Classifier
func (c *EnergyClassifier) Name() string {
	return "energy"
}

// FrameClassifier runs a FrameDetector on the first valid frame of each chunk
// and falls back to energy thresholding when no frame fits or the detector errors.
type FrameClassifier struct {
	detector FrameDetector
	fallback *EnergyClassifier
}

// Analyze implements Classifier
func (c *FrameClassifier) Analyze(data []byte, sampleRate int) (bool, float64) {
	frame, ok := c.firstFrame(data, sampleRate)
	if !ok {
		return c.fallback.Analyze(data, sampleRate)
	}

	speech, err := c.detector.IsSpeech(frame, sampleRate)
	if err != nil {
		return c.fallback.Analyze(data, sampleRate)
	}

	c.fallback.history.Push(speech)
	return speech, NormalizedEnergy(data)
}

// firstFrame returns the leading frame of the largest duration the detector accepts
func (c *FrameClassifier) firstFrame(data []byte, sampleRate int) ([]byte, bool) {
	if sampleRate <= 0 {
		return nil, false
	}
	for _, ms := range frameDurationsMs {
		samples := sampleRate * ms / 1000
		size := samples * 2
		if size == 0 || len(data) < size {
			continue
		}
		if c.detector.ValidFrame(sampleRate, samples) {
			return data[:size], true
		}
	}
	return nil, false
}

// SpeechRatio implements Classifier
func (c *FrameClassifier) SpeechRatio() float64 {
	return c.fallback.SpeechRatio()
}

// Name implements Classifier
func (c *FrameClassifier) Name() string {
	return "frame"
}

func speechRatio(history *Ring[bool]) float64 {
	values := history.Values()
	if len(values) == 0 {
		return 0.0
	}
	speech := 0
	for _, v := range values {
		if v {
			speech++
		}
	}
	return float64(speech) / float64(len(values))
}
