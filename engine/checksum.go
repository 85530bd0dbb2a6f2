package engine

import (
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"os"
)

// ErrChecksumMismatch is returned when transferred bytes do not hash to the
// CRC-64 the caller expected.
var ErrChecksumMismatch = errors.New("engine: checksum mismatch")

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumBytes returns the ISO CRC-64 of data.
func ChecksumBytes(data []byte) uint64 {
	return crc64.Checksum(data, crcTable)
}

// ChecksumFile returns the ISO CRC-64 and size of the file at path.
func ChecksumFile(path string) (uint64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	h := crc64.New(crcTable)
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, n, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return h.Sum64(), n, nil
}

// checkSum compares a computed CRC against the expected one.
func checkSum(what string, got, want uint64) error {
	if got != want {
		return fmt.Errorf("%w: %s has crc64 %016x, expected %016x", ErrChecksumMismatch, what, got, want)
	}
	return nil
}

// crcWriter hashes and counts the bytes written through it.
type crcWriter struct {
	w   io.Writer
	sum uint64
	n   int64
}

func (c *crcWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.sum = crc64.Update(c.sum, crcTable, p[:n])
		c.n += int64(n)
	}
	return n, err
}

// combineParts folds per-part CRCs, in part order, into the CRC of the
// whole file.
func combineParts(parts []Part, sums []uint64) uint64 {
	var total uint64
	for i, p := range parts {
		if i == 0 {
			total = sums[0]
			continue
		}
		total = combineCRC(total, sums[i], p.Length)
	}
	return total
}

// combineCRC returns the CRC of A followed by B given the CRCs of each and
// the length of B. Appending lenB zero bytes is applied to crcA as a
// GF(2) matrix raised to lenB by repeated squaring.
func combineCRC(crcA, crcB uint64, lenB int64) uint64 {
	if lenB <= 0 {
		return crcA
	}

	var even, odd [64]uint64
	// operator for one zero bit
	odd[0] = crc64.ISO
	row := uint64(1)
	for n := 1; n < 64; n++ {
		odd[n] = row
		row <<= 1
	}
	gf2Square(even[:], odd[:]) // two zero bits
	gf2Square(odd[:], even[:]) // four zero bits

	for {
		gf2Square(even[:], odd[:])
		if lenB&1 != 0 {
			crcA = gf2Times(even[:], crcA)
		}
		lenB >>= 1
		if lenB == 0 {
			break
		}

		gf2Square(odd[:], even[:])
		if lenB&1 != 0 {
			crcA = gf2Times(odd[:], crcA)
		}
		lenB >>= 1
		if lenB == 0 {
			break
		}
	}
	return crcA ^ crcB
}

func gf2Times(mat []uint64, vec uint64) uint64 {
	var sum uint64
	for i := 0; vec != 0; i, vec = i+1, vec>>1 {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
	}
	return sum
}

func gf2Square(square, mat []uint64) {
	for n := range mat {
		square[n] = gf2Times(mat, mat[n])
	}
}
