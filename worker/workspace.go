package worker

import (
	"fmt"
	"os"
)

// FinalArtifact is the file the training process leaves in the output
// directory when it finishes.
const FinalArtifact = "pytorch_lora_weights.safetensors"

// Workspace is the set of directories a job works in.
type Workspace struct {
	InstanceDir string
	ClassDir    string
	OutputDir   string
}

// Dirs returns the workspace directories.
func (w Workspace) Dirs() []string {
	return []string{w.InstanceDir, w.ClassDir, w.OutputDir}
}

// Reset deletes every workspace directory with its contents and recreates
// it empty.
func (w Workspace) Reset() error {
	for _, dir := range w.Dirs() {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
