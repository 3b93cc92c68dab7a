package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// exitInterrupted is the conventional exit status after SIGINT.
const exitInterrupted = 130

// shutdown turns repeated interrupts into a two-stage stop: the first cancels
// dispatch so in-flight fetches can drain, the second aborts.
type shutdown struct {
	cancel  context.CancelFunc
	notice  io.Writer
	mu      sync.Mutex
	count   int
	abortCh chan struct{}
}

func newShutdown(cancel context.CancelFunc, notice io.Writer) *shutdown {
	return &shutdown{cancel: cancel, notice: notice, abortCh: make(chan struct{})}
}

// Trigger records one interrupt.
func (s *shutdown) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	switch s.count {
	case 1:
		if s.notice != nil {
			_, _ = fmt.Fprintln(s.notice, "\nInterrupt received: finishing in-flight fetches, press Ctrl+C again to abort.")
		}
		s.cancel()
	case 2:
		close(s.abortCh)
	}
}

// Aborted is closed on the second interrupt.
func (s *shutdown) Aborted() <-chan struct{} {
	return s.abortCh
}

// Interrupted reports whether at least one interrupt was received.
func (s *shutdown) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count > 0
}

// watchSignals feeds SIGINT and SIGTERM into s until the returned stop
// function is called.
func watchSignals(s *shutdown) (stop func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-sigs:
				s.Trigger()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
		wg.Wait()
	}
}
