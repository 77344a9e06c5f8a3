package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// waitIndicator shows that pingme is blocked on a human. On a terminal it
// animates a spinner with the elapsed time; otherwise it prints nothing so
// scripted callers get clean stderr.
type waitIndicator struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex
}

func newWaitIndicator(w io.Writer, isTTY bool) *waitIndicator {
	return &waitIndicator{w: w, isTTY: isTTY}
}

// Start begins animating msg and returns a function that stops the spinner
// and clears its line. The stop function is safe to call more than once.
func (s *waitIndicator) Start(msg string) func() {
	if !s.isTTY {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	frames := []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}
	start := time.Now()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for i := 0; ; i = (i + 1) % len(frames) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.w, "\r%c %s (%s)", frames[i], msg, time.Since(start).Truncate(time.Second))
				s.mu.Unlock()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()

			s.mu.Lock()
			defer s.mu.Unlock()
			fmt.Fprint(s.w, "\r\033[K")
		})
	}
}
