package audio

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SoundscapeConfig tunes the ambient bed played under narration
type SoundscapeConfig struct {
	SampleRate        int
	FrameDuration     time.Duration
	Volume            float64 // master gain, 0..1
	FadeIn            time.Duration
	FadeOut           time.Duration
	HeartbeatInterval time.Duration
	AccentRate        float64 // expected accents per second
	Buffer            int     // frames queued for the sink before new ones are dropped
	Seed              int64
}

// DefaultSoundscapeConfig returns the standard ambient settings
func DefaultSoundscapeConfig() SoundscapeConfig {
	return SoundscapeConfig{
		SampleRate:        16000,
		FrameDuration:     40 * time.Millisecond,
		Volume:            0.18,
		FadeIn:            1500 * time.Millisecond,
		FadeOut:           800 * time.Millisecond,
		HeartbeatInterval: 1100 * time.Millisecond,
		AccentRate:        0.12,
		Buffer:            8,
		Seed:              1,
	}
}

var accentPitches = []float64{220, 261.63, 329.63, 392, 440}

const (
	droneRoot    = 55.0
	droneFifth   = 82.41
	droneDetune  = 55.3
	heartPitch   = 48.0
	heartGap     = 0.18 // seconds between the two thumps
	heartDecay   = 0.08
	accentAttack = 0.3
	accentDecay  = 1.5
	maxAccents   = 2

	droneLevel  = 0.35
	noiseLevel  = 0.25
	heartLevel  = 0.5
	accentLevel = 0.2
)

type accent struct {
	freq  float64
	start float64
}

// graph is the additive synthesis state. Only the render goroutine touches it.
type graph struct {
	rate    float64
	t       float64 // seconds rendered
	rng     *rand.Rand
	lowpass float64
	accents []accent
	beat    float64 // heartbeat period in seconds
	accentP float64 // accent probability per sample
}

func newGraph(cfg SoundscapeConfig) *graph {
	rate := float64(cfg.SampleRate)
	return &graph{
		rate:    rate,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		beat:    cfg.HeartbeatInterval.Seconds(),
		accentP: cfg.AccentRate / rate,
	}
}

func (g *graph) sample() float64 {
	t := g.t
	g.t += 1 / g.rate

	lfo := 0.8 + 0.2*math.Sin(2*math.Pi*0.1*t)
	drone := lfo * (math.Sin(2*math.Pi*droneRoot*t) +
		0.6*math.Sin(2*math.Pi*droneFifth*t) +
		0.4*math.Sin(2*math.Pi*droneDetune*t)) / 2

	g.lowpass += 0.02 * (g.rng.Float64()*2 - 1 - g.lowpass)
	noise := g.lowpass * 4

	heart := 0.0
	if g.beat > 0 {
		phase := math.Mod(t, g.beat)
		for _, at := range []float64{0, heartGap} {
			if dt := phase - at; dt >= 0 {
				heart += math.Exp(-dt/heartDecay) * math.Sin(2*math.Pi*heartPitch*dt)
			}
		}
	}

	if len(g.accents) < maxAccents && g.rng.Float64() < g.accentP {
		g.accents = append(g.accents, accent{
			freq:  accentPitches[g.rng.Intn(len(accentPitches))],
			start: t,
		})
	}
	tone := 0.0
	live := g.accents[:0]
	for _, a := range g.accents {
		dt := t - a.start
		if dt > accentAttack+accentDecay*5 {
			continue
		}
		env := math.Min(dt/accentAttack, 1) * math.Exp(-math.Max(dt-accentAttack, 0)/accentDecay)
		tone += env * math.Sin(2*math.Pi*a.freq*dt)
		live = append(live, a)
	}
	g.accents = live

	return droneLevel*drone + noiseLevel*noise + heartLevel*heart + accentLevel*tone
}

// Soundscape renders the ambient bed as 16-bit mono PCM frames on its own
// goroutine. Frames go to a buffered channel and are dropped when the reader
// falls behind, so rendering never waits on playback.
type Soundscape struct {
	cfg    SoundscapeConfig
	frames chan []byte
	logger zerolog.Logger

	mu       sync.Mutex
	target   float64 // 0 or 1
	gain     float64
	running  bool
	graph    *graph
	dropped  int
	rendered int
}

// NewSoundscape creates a silent soundscape; Start begins the fade-in
func NewSoundscape(cfg SoundscapeConfig, logger zerolog.Logger) *Soundscape {
	def := DefaultSoundscapeConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	return &Soundscape{
		cfg:    cfg,
		frames: make(chan []byte, cfg.Buffer),
		logger: logger.With().Str("component", "soundscape").Logger(),
		graph:  newGraph(cfg),
	}
}

// Frames delivers rendered PCM frames
func (s *Soundscape) Frames() <-chan []byte {
	return s.frames
}

// SampleRate returns the rate of rendered frames
func (s *Soundscape) SampleRate() int {
	return s.cfg.SampleRate
}

// Start fades the soundscape in, reversing a fade-out in progress
func (s *Soundscape) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = 1
	if s.running {
		return
	}
	s.running = true
	go s.run()
}

// Stop fades the soundscape out; rendering ends once it is silent
func (s *Soundscape) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = 0
}

// Active reports whether the render goroutine is running
func (s *Soundscape) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns how many frames were rendered and dropped
func (s *Soundscape) Stats() (rendered, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered, s.dropped
}

func (s *Soundscape) run() {
	ticker := time.NewTicker(s.cfg.FrameDuration)
	defer ticker.Stop()
	s.logger.Debug().Msg("Soundscape started")

	for range ticker.C {
		frame, done := s.renderFrame()
		select {
		case s.frames <- frame:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
		if done {
			s.logger.Debug().Msg("Soundscape faded out")
			return
		}
	}
}

// renderFrame renders one frame and reports whether the fade-out finished
func (s *Soundscape) renderFrame() ([]byte, bool) {
	n := int(float64(s.cfg.SampleRate) * s.cfg.FrameDuration.Seconds())
	out := make([]int16, n)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range out {
		s.gain = s.step(s.gain)
		out[i] = saturate(s.graph.sample() * s.gain * s.cfg.Volume * math.MaxInt16)
	}
	s.rendered++

	if s.target == 0 && s.gain == 0 {
		s.running = false
		return SamplesToBytes(out), true
	}
	return SamplesToBytes(out), false
}

// step moves gain one sample toward the target along the fade ramp
func (s *Soundscape) step(gain float64) float64 {
	fade := s.cfg.FadeIn
	if s.target < gain {
		fade = s.cfg.FadeOut
	}
	if fade <= 0 {
		return s.target
	}
	delta := 1 / (fade.Seconds() * float64(s.cfg.SampleRate))
	if s.target > gain {
		return math.Min(gain+delta, s.target)
	}
	return math.Max(gain-delta, s.target)
}

// Render produces n samples at full gain without the fade or the goroutine
func Render(cfg SoundscapeConfig, n int) []int16 {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSoundscapeConfig().SampleRate
	}
	g := newGraph(cfg)
	out := make([]int16, n)
	for i := range out {
		out[i] = saturate(g.sample() * cfg.Volume * math.MaxInt16)
	}
	return out
}
