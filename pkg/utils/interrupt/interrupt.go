// Package interrupt runs registered cleanup handlers when the process
// receives an interrupt or termination signal. Handlers run in reverse
// registration order, once.
package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"zapai.dev/pkg/utils/log"
)

var (
	mu       sync.Mutex
	handlers []func()
	once     sync.Once
	done     = make(chan struct{})
)

// AddHandler registers fn to run on the first SIGINT/SIGTERM. The first call
// installs the signal listener.
func AddHandler(fn func()) {
	mu.Lock()
	handlers = append(handlers, fn)
	mu.Unlock()
	once.Do(listen)
}

// Done is closed after all handlers have run.
func Done() <-chan struct{} { return done }

func listen() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.I.F("received %v, shutting down", sig)
		mu.Lock()
		hs := make([]func(), len(handlers))
		copy(hs, handlers)
		mu.Unlock()
		for i := len(hs) - 1; i >= 0; i-- {
			hs[i]()
		}
		close(done)
	}()
}
