package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// walkDirs visits root and every directory below it, parents before
// children. It walks iteratively with an explicit stack so deep trees do not
// grow the goroutine stack. Directories that disappear mid-walk are skipped.
func walkDirs(ctx context.Context, root string, visit func(dir string) error) error {
	stack := []string{root}

	for len(stack) > 0 {
		// Check for cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Pop item
		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := visit(curr); err != nil {
			return err
		}

		entries, err := os.ReadDir(curr)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to list directory %s: %w", curr, err)
		}

		// push in reverse so siblings are visited in name order
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].IsDir() {
				stack = append(stack, filepath.Join(curr, entries[i].Name()))
			}
		}
	}

	return nil
}
