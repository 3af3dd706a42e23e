package engine

import "sync/atomic"

// Stats holds the engine's live byte counters: monotonic while the engine
// runs, reset on construction of a new Engine.
type Stats struct {
	bytesRead    int64
	bytesWritten int64
}

func (s *Stats) addRead(n int64)    { atomic.AddInt64(&s.bytesRead, n) }
func (s *Stats) addWritten(n int64) { atomic.AddInt64(&s.bytesWritten, n) }

func (s *Stats) snapshot() Stats {
	return Stats{
		bytesRead:    atomic.LoadInt64(&s.bytesRead),
		bytesWritten: atomic.LoadInt64(&s.bytesWritten),
	}
}

// BytesRead returns the total bytes relayed from clients to origin/upstream.
func (s Stats) BytesRead() int64 { return s.bytesRead }

// BytesWritten returns the total bytes relayed from origin/upstream to clients.
func (s Stats) BytesWritten() int64 { return s.bytesWritten }
