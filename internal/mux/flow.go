package mux

import "sync"

// sendWindow is a stream's outbound flow-control credit. take blocks until
// the full amount is available, so a blocked send resumes only once the peer
// has replenished at least the frame's size, and a replenishment of exactly
// that size releases exactly one waiter.
type sendWindow struct {
	cond   *sync.Cond
	credit int64
	err    error
}

func newSendWindow(initial int64) *sendWindow {
	return &sendWindow{
		cond:   sync.NewCond(&sync.Mutex{}),
		credit: initial,
	}
}

func (w *sendWindow) take(n int64) error {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	for {
		if w.err != nil {
			return w.err
		}
		if w.credit >= n {
			w.credit -= n
			return nil
		}
		w.cond.Wait()
	}
}

func (w *sendWindow) replenish(n int64) {
	w.cond.L.Lock()
	w.credit += n
	w.cond.L.Unlock()
	w.cond.Broadcast()
}

// close wakes every blocked sender with reason.
func (w *sendWindow) close(reason error) {
	w.cond.L.Lock()
	if w.err == nil {
		w.err = reason
	}
	w.cond.L.Unlock()
	w.cond.Broadcast()
}
