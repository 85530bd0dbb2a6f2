package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func writeAged(t *testing.T, dir, name, content string, age time.Duration) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	then := time.Now().Add(-age)
	if err := os.Chtimes(path, then, then); err != nil {
		t.Fatal(err)
	}
}

func TestPolicy_Pending(t *testing.T) {
	p := Policy{
		Expected: []string{"weights.bin", "optimizer.bin", "scheduler.bin"},
		Optional: []string{"sampler.bin"},
		Window:   time.Second,
	}

	tests := []struct {
		name  string
		setup func(dir string)
		want  []string
	}{
		{
			name:  "nothing written",
			setup: func(dir string) {},
			want:  []string{"optimizer.bin", "scheduler.bin", "weights.bin"},
		},
		{
			name: "all settled",
			setup: func(dir string) {
				writeAged(t, dir, "weights.bin", "w", time.Minute)
				writeAged(t, dir, "optimizer.bin", "o", time.Minute)
				writeAged(t, dir, "scheduler.bin", "s", time.Minute)
			},
		},
		{
			name: "empty file",
			setup: func(dir string) {
				writeAged(t, dir, "weights.bin", "", time.Minute)
				writeAged(t, dir, "optimizer.bin", "o", time.Minute)
				writeAged(t, dir, "scheduler.bin", "s", time.Minute)
			},
			want: []string{"weights.bin"},
		},
		{
			name: "recently modified",
			setup: func(dir string) {
				writeAged(t, dir, "weights.bin", "w", 0)
				writeAged(t, dir, "optimizer.bin", "o", time.Minute)
				writeAged(t, dir, "scheduler.bin", "s", time.Minute)
			},
			want: []string{"weights.bin"},
		},
		{
			name: "optional file joins once present",
			setup: func(dir string) {
				writeAged(t, dir, "weights.bin", "w", time.Minute)
				writeAged(t, dir, "optimizer.bin", "o", time.Minute)
				writeAged(t, dir, "scheduler.bin", "s", time.Minute)
				writeAged(t, dir, "sampler.bin", "", time.Minute)
			},
			want: []string{"sampler.bin"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(dir)

			got := p.pending(dir, time.Now())
			sort.Strings(got)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected pending %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expected pending %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestWaitQuiescent_Settled(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "weights.bin", "w", time.Minute)

	p := Policy{Expected: []string{"weights.bin"}, Window: 50 * time.Millisecond, Poll: 10 * time.Millisecond}
	if err := WaitQuiescent(context.Background(), dir, p); err != nil {
		t.Fatalf("WaitQuiescent failed: %v", err)
	}
}

func TestWaitQuiescent_DelaysWhileWriting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.bin")

	const writing = 200 * time.Millisecond
	done := make(chan struct{})
	go func() {
		defer close(done)
		f, err := os.Create(path)
		if err != nil {
			return
		}
		defer f.Close()
		deadline := time.Now().Add(writing)
		for time.Now().Before(deadline) {
			f.Write([]byte("chunk"))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	p := Policy{Expected: []string{"weights.bin"}, Window: 50 * time.Millisecond, Poll: 10 * time.Millisecond, Timeout: 5 * time.Second}
	start := time.Now()
	if err := WaitQuiescent(context.Background(), dir, p); err != nil {
		t.Fatalf("WaitQuiescent failed: %v", err)
	}
	<-done

	if elapsed := time.Since(start); elapsed < writing {
		t.Errorf("Expected the wait to outlast the writer (%v), returned after %v", writing, elapsed)
	}
}

func TestWaitQuiescent_Timeout(t *testing.T) {
	p := Policy{Expected: []string{"never.bin"}, Poll: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
	err := WaitQuiescent(context.Background(), t.TempDir(), p)
	if !errors.Is(err, ErrQuiescenceTimeout) {
		t.Errorf("Expected ErrQuiescenceTimeout, got %v", err)
	}
}

func TestWaitQuiescent_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	p := Policy{Expected: []string{"never.bin"}, Poll: 10 * time.Millisecond}
	if err := WaitQuiescent(ctx, t.TempDir(), p); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if len(p.Expected) != 5 || p.Window != 500*time.Millisecond || p.Poll > time.Second {
		t.Errorf("Unexpected default policy %+v", p)
	}
}
