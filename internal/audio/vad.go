package audio

// VADConfig holds configuration for voice activity detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy above which a frame counts as speech
	OnsetFrames     int     // consecutive speech frames before speech starts
	SilenceFrames   int     // consecutive silent frames before speech ends
	FrameSize       int     // samples per frame
}

// DefaultVADConfig returns settings for 20 ms frames at 16 kHz
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 500.0,
		OnsetFrames:     2,
		SilenceFrames:   25, // 500ms
		FrameSize:       320,
	}
}

// Activity is the detector's verdict for one frame
type Activity int

const (
	Silence Activity = iota
	SpeechStart
	Speech
	SpeechEnd
)

// VADDetector tracks speech onset and offset over a stream of frames.
// It is not safe for concurrent use.
type VADDetector struct {
	config   VADConfig
	voiced   int
	silent   int
	speaking bool
}

// NewVADDetector creates a detector; zero fields take the defaults
func NewVADDetector(config VADConfig) *VADDetector {
	def := DefaultVADConfig()
	if config.EnergyThreshold <= 0 {
		config.EnergyThreshold = def.EnergyThreshold
	}
	if config.OnsetFrames <= 0 {
		config.OnsetFrames = 1
	}
	if config.SilenceFrames <= 0 {
		config.SilenceFrames = def.SilenceFrames
	}
	if config.FrameSize <= 0 {
		config.FrameSize = def.FrameSize
	}
	return &VADDetector{config: config}
}

// FrameSize returns the samples per frame the detector expects
func (v *VADDetector) FrameSize() int {
	return v.config.FrameSize
}

// ProcessFrame classifies one frame
func (v *VADDetector) ProcessFrame(samples []int16) Activity {
	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silent = 0
		if v.speaking {
			return Speech
		}
		v.voiced++
		if v.voiced >= v.config.OnsetFrames {
			v.speaking = true
			v.voiced = 0
			return SpeechStart
		}
		return Silence
	}

	v.voiced = 0
	if !v.speaking {
		return Silence
	}
	v.silent++
	if v.silent >= v.config.SilenceFrames {
		v.speaking = false
		v.silent = 0
		return SpeechEnd
	}
	return Speech
}

// Process splits samples into frames and returns the verdict of each
func (v *VADDetector) Process(samples []int16) []Activity {
	size := v.config.FrameSize
	out := make([]Activity, 0, len(samples)/size)
	for len(samples) >= size {
		out = append(out, v.ProcessFrame(samples[:size]))
		samples = samples[size:]
	}
	return out
}

// Reset clears the detector state
func (v *VADDetector) Reset() {
	v.voiced, v.silent, v.speaking = 0, 0, false
}

// IsSpeaking reports whether speech is in progress
func (v *VADDetector) IsSpeaking() bool {
	return v.speaking
}

// DetectSilence reports whether samples fall below threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
