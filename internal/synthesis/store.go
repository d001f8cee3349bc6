package synthesis

import (
	"sync"

	"github.com/lexiqai/voice-session/internal/tts"
)

// AudioStore keeps rendered audio for the most recent plan so playback can
// resume mid-sequence without synthesizing again
type AudioStore struct {
	mu     sync.RWMutex
	planID uint64
	audio  map[int]*tts.Audio
	bytes  int
	limit  int
}

// NewAudioStore creates a store holding at most limit bytes of audio; 0 means no limit
func NewAudioStore(limit int) *AudioStore {
	return &AudioStore{audio: make(map[int]*tts.Audio), limit: limit}
}

// Reset drops stored audio and starts keeping audio for planID
func (s *AudioStore) Reset(planID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planID = planID
	s.audio = make(map[int]*tts.Audio)
	s.bytes = 0
}

// Put stores audio for a chunk index. Audio for another plan or past the limit is dropped.
func (s *AudioStore) Put(planID uint64, index int, audio *tts.Audio) bool {
	if audio == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if planID != s.planID {
		return false
	}
	bytes := s.bytes + len(audio.Data)
	if old, ok := s.audio[index]; ok {
		bytes -= len(old.Data)
	}
	if s.limit > 0 && bytes > s.limit {
		return false
	}
	s.audio[index] = audio
	s.bytes = bytes
	return true
}

// Get fetches stored audio for a chunk index
func (s *AudioStore) Get(planID uint64, index int) (*tts.Audio, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if planID != s.planID {
		return nil, false
	}
	a, ok := s.audio[index]
	return a, ok
}

// Len returns how many chunks are stored
func (s *AudioStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.audio)
}
