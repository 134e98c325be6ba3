package lifecycle

import "sync"

// latch is a single-fire completion signal carrying an optional error.
// The first fire wins; later fires are ignored.
type latch struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

func (l *latch) fire(err error) bool {
	fired := false
	l.once.Do(func() {
		l.err = err
		close(l.done)
		fired = true
	})
	return fired
}

func (l *latch) Done() <-chan struct{} {
	return l.done
}

// Err blocks until the latch fires and returns what it fired with
func (l *latch) Err() error {
	<-l.done
	return l.err
}
