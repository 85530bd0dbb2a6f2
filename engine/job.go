package engine

import (
	"fmt"
)

// Direction tells uploads from downloads.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Part is a fixed-size byte range of a transfer. Parts are produced once when
// a task starts and never change afterwards.
type Part struct {
	// Index is the 0-based position of the part within the task.
	Index int
	// Number is the 1-based part number sent to the storage side.
	Number int
	// Offset is the first byte of the part within the file.
	Offset int64
	// Length is the number of bytes in the part. Only the last part may be
	// shorter than the part size.
	Length int64
}

// TransferTask represents one logical file transfer between a local path
// and an object in remote storage.
type TransferTask struct {
	// ID identifies the task in the transfer ledger.
	ID string

	Direction Direction
	Bucket    string
	Key       string

	// LocalPath is the file read from (uploads) or written to (downloads).
	LocalPath string

	// Size is the file size in bytes, when known up front.
	Size int64

	// Parts is the multipart layout for uploads. Downloads stream and have
	// no parts.
	Parts []Part
}

// NewTransferTask builds a task and, for uploads, its part layout.
func NewTransferTask(dir Direction, bucket, key, localPath string, size, partSize int64) TransferTask {
	task := TransferTask{
		ID:        TaskID(dir, bucket, key),
		Direction: dir,
		Bucket:    bucket,
		Key:       key,
		LocalPath: localPath,
		Size:      size,
	}
	if dir == DirectionUpload {
		task.Parts = Partition(size, partSize)
	}
	return task
}

// TaskID derives the ledger identifier for a transfer.
func TaskID(dir Direction, bucket, key string) string {
	return fmt.Sprintf("%s:%s/%s", dir, bucket, key)
}

// Partition splits size bytes into parts of partSize bytes. The last part
// holds the remainder. An empty file yields a single empty part, since a
// multipart session cannot be completed without parts.
func Partition(size, partSize int64) []Part {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	if size <= 0 {
		return []Part{{Index: 0, Number: 1}}
	}

	count := int((size + partSize - 1) / partSize)
	parts := make([]Part, count)
	for i := range parts {
		offset := int64(i) * partSize
		length := partSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}
		parts[i] = Part{
			Index:  i,
			Number: i + 1,
			Offset: offset,
			Length: length,
		}
	}
	return parts
}

// DownloadRequest names an object and the local file it is written to.
type DownloadRequest struct {
	Bucket   string
	Key      string
	Filename string
	// Checksum is the expected ISO CRC-64 of the object. Zero skips the
	// check.
	Checksum uint64
}

// Result summarises a finished transfer.
type Result struct {
	Bucket string
	Key    string
	Bytes  int64
	Parts  int
	// CRC64 is the ISO CRC-64 of the whole object.
	CRC64 uint64
}
