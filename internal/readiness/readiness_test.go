package readiness

import (
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"
)

func TestCondition_EffectiveDelay(t *testing.T) {
	testCases := []struct {
		name string
		cond Condition
		want time.Duration
	}{
		{"zero_value", Condition{}, DefaultDelay},
		{"negative", AfterDelay(-time.Second), DefaultDelay},
		{"explicit", AfterDelay(250 * time.Millisecond), 250 * time.Millisecond},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cond.EffectiveDelay(); got != tc.want {
				t.Errorf("EffectiveDelay() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCondition_String(t *testing.T) {
	if got := AfterDelay(time.Second).String(); got != "delay 1s" {
		t.Errorf("String() = %q", got)
	}
	if got := OnMatch(regexp.MustCompile("^ok")).String(); got != `pattern "^ok"` {
		t.Errorf("String() = %q", got)
	}
}

func TestWatcher_DelayFiresOnceAfterDelay(t *testing.T) {
	const delay = 50 * time.Millisecond

	w := NewWatcher(AfterDelay(delay))
	start := time.Now()
	w.Start()
	w.Start() // second Start must not re-arm

	// Output is irrelevant to a delay condition.
	w.Feed(Stdout, []byte("Server started\n"))
	if w.Signalled() {
		t.Fatal("delay condition signalled on output")
	}

	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Errorf("ready after %v, want >= %v", elapsed, delay)
	}

	// The channel stays closed; waiting again returns immediately.
	if err := w.Wait(context.Background()); err != nil {
		t.Errorf("second Wait() error = %v", err)
	}
}

func TestWatcher_DelayNotStarted(t *testing.T) {
	w := NewWatcher(AfterDelay(10 * time.Millisecond))

	select {
	case <-w.Ready():
		t.Fatal("ready before Start")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcher_PatternMatchesStdout(t *testing.T) {
	w := NewWatcher(OnMatch(regexp.MustCompile(`(?m)^Server started`)))
	w.Start()

	w.Feed(Stdout, []byte("booting\n"))
	if w.Signalled() {
		t.Fatal("signalled before match")
	}
	w.Feed(Stdout, []byte("Server started at port [4200]\n"))

	if !w.Signalled() {
		t.Fatal("not signalled after match")
	}
	if w.MatchedStream() != Stdout {
		t.Errorf("MatchedStream() = %v, want stdout", w.MatchedStream())
	}
}

func TestWatcher_PatternMatchesStderr(t *testing.T) {
	w := NewWatcher(OnMatch(regexp.MustCompile(`listening`)))

	w.Feed(Stdout, []byte("nothing here\n"))
	w.Feed(Stderr, []byte("listening on :8080\n"))

	if !w.Signalled() {
		t.Fatal("stderr match did not signal")
	}
	if w.MatchedStream() != Stderr {
		t.Errorf("MatchedStream() = %v, want stderr", w.MatchedStream())
	}
}

func TestWatcher_PatternSpansChunks(t *testing.T) {
	w := NewWatcher(OnMatch(regexp.MustCompile(`Server started`)))

	w.Feed(Stdout, []byte("Server st"))
	if w.Signalled() {
		t.Fatal("signalled on partial text")
	}
	w.Feed(Stdout, []byte("arted\n"))
	if !w.Signalled() {
		t.Fatal("pattern split across chunks did not match accumulated text")
	}
}

func TestWatcher_StreamsAccumulateIndependently(t *testing.T) {
	w := NewWatcher(OnMatch(regexp.MustCompile(`ab`)))

	// "a" on stdout and "b" on stderr must not combine into a match.
	w.Feed(Stdout, []byte("a"))
	w.Feed(Stderr, []byte("b"))
	if w.Signalled() {
		t.Fatal("streams were merged before matching")
	}
}

func TestWatcher_NoMatchingAfterSignal(t *testing.T) {
	w := NewWatcher(OnMatch(regexp.MustCompile(`ready`)))

	w.Feed(Stdout, []byte("ready\n"))
	checks := w.Checks()

	for i := 0; i < 10; i++ {
		w.Feed(Stdout, []byte("ready again\n"))
		w.Feed(Stderr, []byte("ready again\n"))
	}

	if w.Checks() != checks {
		t.Errorf("pattern evaluated %d more times after signal", w.Checks()-checks)
	}
}

func TestWatcher_StripsANSI(t *testing.T) {
	w := NewWatcher(OnMatch(regexp.MustCompile(`(?m)^Server started$`)))

	w.Feed(Stdout, []byte("\x1b[32mServer started\x1b[0m\n"))
	if !w.Signalled() {
		t.Fatal("colourised output did not match")
	}
}

func TestWatcher_Timeout(t *testing.T) {
	cond := OnMatch(regexp.MustCompile(`never`)).WithTimeout(30 * time.Millisecond)
	w := NewWatcher(cond)

	err := w.Wait(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
}

func TestWatcher_ContextCancelled(t *testing.T) {
	w := NewWatcher(OnMatch(regexp.MustCompile(`never`)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := w.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestWatcher_StopPreventsSignal(t *testing.T) {
	w := NewWatcher(AfterDelay(20 * time.Millisecond))
	w.Start()
	w.Stop()

	time.Sleep(50 * time.Millisecond)
	if w.Signalled() {
		t.Error("stopped watcher signalled")
	}

	p := NewWatcher(OnMatch(regexp.MustCompile(`x`)))
	p.Stop()
	p.Feed(Stdout, []byte("x"))
	if p.Signalled() || p.Checks() != 0 {
		t.Error("stopped watcher still matching")
	}
}

func TestWatcher_Writer(t *testing.T) {
	w := NewWatcher(OnMatch(regexp.MustCompile(`up`)))

	n, err := io.WriteString(w.Writer(Stderr), "service up\n")
	if err != nil || n != len("service up\n") {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if !w.Signalled() {
		t.Error("Writer did not feed the watcher")
	}
}

func TestWatcher_ConcurrentFeedSignalsOnce(t *testing.T) {
	w := NewWatcher(OnMatch(regexp.MustCompile(`go`)))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); w.Feed(Stdout, []byte("go\n")) }()
		go func() { defer wg.Done(); w.Feed(Stderr, []byte("go\n")) }()
	}
	wg.Wait() // a double close would have panicked

	if !w.Signalled() {
		t.Fatal("not signalled")
	}
	if w.Checks() != 1 {
		t.Errorf("Checks() = %d, want 1", w.Checks())
	}
}
