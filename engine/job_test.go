package engine

import (
	"testing"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		partSize  int64
		wantParts int
		lastLen   int64
	}{
		{"empty file", 0, 10, 1, 0},
		{"smaller than part", 7, 10, 1, 7},
		{"exact multiple", 30, 10, 3, 10},
		{"remainder", 25, 10, 3, 5},
		{"default part size", DefaultPartSize + 1, 0, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := Partition(tt.size, tt.partSize)
			if len(parts) != tt.wantParts {
				t.Fatalf("Expected %d parts, got %d", tt.wantParts, len(parts))
			}

			var total int64
			for i, p := range parts {
				if p.Index != i || p.Number != i+1 {
					t.Errorf("Part %d has index %d number %d", i, p.Index, p.Number)
				}
				if p.Offset != total {
					t.Errorf("Part %d offset %d, expected %d", i, p.Offset, total)
				}
				total += p.Length
			}
			if total != tt.size {
				t.Errorf("Parts cover %d bytes, expected %d", total, tt.size)
			}
			if last := parts[len(parts)-1]; last.Length != tt.lastLen {
				t.Errorf("Expected last part length %d, got %d", tt.lastLen, last.Length)
			}
		})
	}
}

func TestNewTransferTask(t *testing.T) {
	up := NewTransferTask(DirectionUpload, "ckpt", "run/checkpoint-1.zip", "/tmp/c.zip", 25, 10)
	if up.ID != "upload:ckpt/run/checkpoint-1.zip" {
		t.Errorf("Unexpected task id %q", up.ID)
	}
	if len(up.Parts) != 3 {
		t.Errorf("Expected 3 upload parts, got %d", len(up.Parts))
	}

	down := NewTransferTask(DirectionDownload, "data", "a.png", "/in/a.png", 0, 10)
	if down.ID != TaskID(DirectionDownload, "data", "a.png") {
		t.Errorf("Unexpected task id %q", down.ID)
	}
	if len(down.Parts) != 0 {
		t.Errorf("Expected downloads to have no parts, got %d", len(down.Parts))
	}
}
