package audio

import (
	"testing"
)

func frame(size int, amplitude int16) []int16 {
	samples := make([]int16, size)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return samples
}

func testVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 500.0,
		OnsetFrames:     2,
		SilenceFrames:   3,
		FrameSize:       320,
	}
}

func TestVADDetector_SpeechOnset(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	loud := frame(320, 5000)

	if got := vad.ProcessFrame(loud); got != Silence {
		t.Errorf("Expected a single loud frame to stay below onset, got %v", got)
	}
	if got := vad.ProcessFrame(loud); got != SpeechStart {
		t.Errorf("Expected speech to start on the second loud frame, got %v", got)
	}
	if got := vad.ProcessFrame(loud); got != Speech {
		t.Errorf("Expected ongoing speech, got %v", got)
	}
	if !vad.IsSpeaking() {
		t.Error("Expected detector to report speaking")
	}
}

func TestVADDetector_ClickIsIgnored(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	vad.ProcessFrame(frame(320, 5000))
	vad.ProcessFrame(frame(320, 10))
	if got := vad.ProcessFrame(frame(320, 5000)); got != Silence {
		t.Errorf("Expected an isolated loud frame to be ignored, got %v", got)
	}
}

func TestVADDetector_SpeechEnd(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	loud, quiet := frame(320, 5000), frame(320, 10)

	vad.ProcessFrame(loud)
	vad.ProcessFrame(loud)

	want := []Activity{Speech, Speech, SpeechEnd, Silence}
	for i, w := range want {
		if got := vad.ProcessFrame(quiet); got != w {
			t.Errorf("quiet frame %d: expected %v, got %v", i, w, got)
		}
	}
	if vad.IsSpeaking() {
		t.Error("Expected speech to have ended")
	}
}

func TestVADDetector_PauseInsideSpeech(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	loud, quiet := frame(320, 5000), frame(320, 10)

	vad.ProcessFrame(loud)
	vad.ProcessFrame(loud)
	vad.ProcessFrame(quiet)
	vad.ProcessFrame(quiet)
	vad.ProcessFrame(loud)
	if got := vad.ProcessFrame(quiet); got != Speech {
		t.Errorf("Expected a short pause not to end speech, got %v", got)
	}
}

func TestVADDetector_Process(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := append(frame(320, 5000), frame(320, 5000)...)
	samples = append(samples, frame(100, 5000)...)

	got := vad.Process(samples)
	if len(got) != 2 {
		t.Fatalf("Expected 2 whole frames, got %d", len(got))
	}
	if got[1] != SpeechStart {
		t.Errorf("Expected speech start on the second frame, got %v", got[1])
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	vad.ProcessFrame(frame(320, 5000))
	vad.ProcessFrame(frame(320, 5000))
	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected reset to clear speaking")
	}
}

func TestNewVADDetector_Defaults(t *testing.T) {
	vad := NewVADDetector(VADConfig{})
	if vad.FrameSize() != 320 {
		t.Errorf("Expected default frame size 320, got %d", vad.FrameSize())
	}
}

func TestDetectSilence(t *testing.T) {
	if !DetectSilence(frame(160, 10), 100) {
		t.Error("Expected low energy to be silence")
	}
	if DetectSilence(frame(160, 5000), 100) {
		t.Error("Expected high energy not to be silence")
	}
}
