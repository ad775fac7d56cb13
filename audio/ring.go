package audio

import (
	"io"
	"sync"
)

// pcmRing is a bounded PCM byte buffer bridging the decode loop and the
// playback device. Writes past capacity drop the oldest audio so playback
// latency stays bounded; Read blocks until data arrives or the ring closes.
type pcmRing struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buffer []byte
	size   int
	cap    int
	closed bool
}

func newPCMRing(fixedCap int) *pcmRing {
	r := &pcmRing{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *pcmRing) Write(data []byte) (dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	if r.size+len(data) > r.cap {
		drop := r.size + len(data) - r.cap
		if drop > r.size {
			drop = r.size
		}
		r.buffer = r.buffer[drop:]
		r.size -= drop
		dropped = drop
	}
	r.buffer = append(r.buffer, data...)
	r.size += len(data)
	r.cond.Signal()
	return dropped
}

func (r *pcmRing) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.size == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.size == 0 && r.closed {
		return 0, io.EOF
	}
	n = copy(p, r.buffer)
	r.buffer = r.buffer[n:]
	r.size -= n
	return n, nil
}

func (r *pcmRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
	return nil
}
