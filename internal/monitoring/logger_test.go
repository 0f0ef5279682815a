package monitoring

import (
	"fmt"
	"sync"
	"testing"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	var got []string
	SetLogger(func(format string, v ...any) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("frame %d", 3)
	Component("Engine")("run %s started", "abc")

	want := []string{"frame 3", "[Engine] run abc started"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}

	SetLogger(nil)
	Logf("muted")
	if len(got) != 2 {
		t.Errorf("muted logger should not record, got %q", got)
	}
}

func TestLogfConcurrentSwap(t *testing.T) {
	defer SetLogger(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetLogger(func(string, ...any) {})
		}()
		go func() {
			defer wg.Done()
			Logf("tick")
		}()
	}
	wg.Wait()
}
