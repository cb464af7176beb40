package cable

import "sync"

// messageBuffer holds frames received before the connection is ready.
type messageBuffer struct {
	mu         sync.Mutex
	buffered   [][]byte
	processing bool
}

// append buffers data and reports false until process has been called;
// afterwards it reports true and the caller delivers data itself.
func (b *messageBuffer) append(data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.processing {
		return true
	}
	b.buffered = append(b.buffered, data)
	return false
}

// process switches the buffer to pass-through and returns the frames
// received so far in arrival order.
func (b *messageBuffer) process() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.processing = true
	buffered := b.buffered
	b.buffered = nil
	return buffered
}

func (b *messageBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffered)
}
