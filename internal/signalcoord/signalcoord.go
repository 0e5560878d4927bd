// Package signalcoord installs a single process-wide OS signal handler and
// fans its one shutdown signal out to every interested caller, so embedding
// more than one pool in a process never registers competing signal.Notify
// handlers. Default's sync.Once means only the first pool to start in a
// process pays for installing the real handler; every pool started after
// it (spec section 4.6: "later pools only join the set") gets the same
// Coordinator back and simply adds its own goroutine racing Done() -
// closing a channel wakes every goroutine blocked on it at once, so all
// registered pools react to one signal concurrently without signalcoord
// itself needing to track who joined.
package signalcoord

import (
	"os"
	"os/signal"
	"sync"
	"time"
)

// Coordinator fans a single shutdown trigger out to any number of
// subscribers. Its zero value is not usable; use New or the package-level
// Default.
type Coordinator struct {
	mu       sync.Mutex
	done     chan struct{}
	fired    bool
	deadline time.Duration
}

var (
	defaultOnce sync.Once
	defaultC    *Coordinator
)

// Default returns the process-wide Coordinator, installing its OS signal
// handler exactly once no matter how many times Default is called.
func Default(signals ...os.Signal) *Coordinator {
	defaultOnce.Do(func() {
		defaultC = New(10*time.Second, signals...)
	})
	return defaultC
}

// New builds a Coordinator and starts listening for signals immediately.
// Tests that want a swappable trigger instead of real OS signals should
// construct a Coordinator and call Shutdown directly rather than relying on
// signal delivery.
func New(deadline time.Duration, signals ...os.Signal) *Coordinator {
	c := &Coordinator{done: make(chan struct{}), deadline: deadline}
	if len(signals) == 0 {
		return c
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	go func() {
		<-ch
		c.Shutdown()
	}()
	return c
}

// Done returns a channel closed exactly once, the first time a signal
// arrives or Shutdown is called directly.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Deadline returns the overall shutdown budget callers should race their
// cleanup against.
func (c *Coordinator) Deadline() time.Duration {
	return c.deadline
}

// Shutdown triggers Done, manually or from a test, concurrently waking
// every caller blocked on Done() (a pool's own registered watcher
// goroutine among them) simultaneously via the channel close. A second
// call is a no-op.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired {
		return
	}
	c.fired = true
	close(c.done)
}
