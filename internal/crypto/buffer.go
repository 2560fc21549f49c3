package crypto

import (
	"runtime"
	"sync"
)

// Buffer holds secret bytes and overwrites them on Wipe. A finalizer wipes
// buffers that were dropped without an explicit call.
type Buffer struct {
	mu    sync.Mutex
	b     []byte
	wiped bool
}

// NewBuffer takes ownership of b.
func NewBuffer(b []byte) *Buffer {
	buf := &Buffer{b: b}
	runtime.SetFinalizer(buf, (*Buffer).Wipe)
	return buf
}

// CopyBuffer copies b into a new Buffer, leaving b untouched.
func CopyBuffer(b []byte) *Buffer {
	c := make([]byte, len(b))
	copy(c, b)
	return NewBuffer(c)
}

func RandomBuffer(length int) (*Buffer, error) {
	key, err := GenerateKey(length)
	if err != nil {
		return nil, err
	}
	return NewBuffer(key), nil
}

// Bytes exposes the backing slice. It must not be retained past Wipe.
func (s *Buffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b
}

// Copy returns a caller-owned copy.
func (s *Buffer) Copy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make([]byte, len(s.b))
	copy(c, s.b)
	return c
}

func (s *Buffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.b)
}

func (s *Buffer) Wiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}

func (s *Buffer) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	Wipe(s.b)
	s.b = nil
	s.wiped = true
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
