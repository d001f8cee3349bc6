package audio

import (
	"sync"
)

// PreRoll keeps the most recent audio so speech onset is not clipped when a
// recognizer stream opens after the voice detector fires. Writes overwrite the
// oldest bytes once the buffer is full.
type PreRoll struct {
	mu    sync.Mutex
	buf   []byte
	start int
	n     int
}

// NewPreRoll creates a buffer holding the last size bytes
func NewPreRoll(size int) *PreRoll {
	if size < 1 {
		size = 1
	}
	return &PreRoll{buf: make([]byte, size)}
}

// Write appends data, dropping the oldest bytes when full
func (p *PreRoll) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := len(p.buf)
	if len(data) >= size {
		copy(p.buf, data[len(data)-size:])
		p.start, p.n = 0, size
		return
	}
	for _, b := range data {
		end := (p.start + p.n) % size
		p.buf[end] = b
		if p.n < size {
			p.n++
		} else {
			p.start = (p.start + 1) % size
		}
	}
}

// Drain returns the buffered bytes oldest first and empties the buffer
func (p *PreRoll) Drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, p.n)
	for i := 0; i < p.n; i++ {
		out[i] = p.buf[(p.start+i)%len(p.buf)]
	}
	p.start, p.n = 0, 0
	return out
}

// Len returns how many bytes are buffered
func (p *PreRoll) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Reset empties the buffer
func (p *PreRoll) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start, p.n = 0, 0
}
