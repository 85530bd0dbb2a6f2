package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrQuiescenceTimeout is returned when a checkpoint directory does not
// settle within the policy timeout.
var ErrQuiescenceTimeout = errors.New("checkpoint did not settle before timeout")

// Policy defines when a checkpoint directory counts as fully written.
type Policy struct {
	// Expected files must all exist, be non-empty and be older than Window.
	Expected []string
	// Optional files join the expected set once they are seen.
	Optional []string
	// Window is how long a file must go unmodified.
	Window time.Duration
	// Poll is the interval between checks.
	Poll time.Duration
	// Timeout bounds the whole wait. Zero waits forever.
	Timeout time.Duration
}

// DefaultPolicy returns the artifact set written by a LoRA training run.
func DefaultPolicy() Policy {
	return Policy{
		Expected: []string{
			"pytorch_lora_weights.safetensors",
			"optimizer.bin",
			"scheduler.bin",
			"scaler.pt",
			"random_states_0.pkl",
		},
		Optional: []string{"sampler.bin"},
		Window:   500 * time.Millisecond,
		Poll:     time.Second,
		Timeout:  30 * time.Minute,
	}
}

// pending returns the files in dir that are not yet settled at now. An
// empty result means the directory is quiescent.
func (p Policy) pending(dir string, now time.Time) []string {
	names := append([]string(nil), p.Expected...)
	for _, opt := range p.Optional {
		if _, err := os.Stat(filepath.Join(dir, opt)); err == nil {
			names = append(names, opt)
		}
	}

	var out []string
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || info.Size() == 0 || now.Sub(info.ModTime()) <= p.Window {
			out = append(out, name)
		}
	}
	return out
}

// WaitQuiescent blocks until every expected file in dir is present,
// non-empty and unmodified for the policy window, all in the same check.
func WaitQuiescent(ctx context.Context, dir string, p Policy) error {
	poll := p.Poll
	if poll <= 0 {
		poll = time.Second
	}

	var deadline <-chan time.Time
	if p.Timeout > 0 {
		timer := time.NewTimer(p.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if len(p.pending(dir, time.Now())) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%s: %w (still waiting on %v)", dir, ErrQuiescenceTimeout, p.pending(dir, time.Now()))
		case <-ticker.C:
		}
	}
}
