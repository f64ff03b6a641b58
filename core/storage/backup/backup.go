// Package backup copies a database file to a destination path in bounded
// chunks, optionally rate limited, and reports a checksum of the bytes
// copied.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/time/rate"
)

// chunkSize is the unit of copy I/O.
const chunkSize = 4 * 1024 * 1024

// CopyFile copies srcPath to dstPath, pacing to bytesPerSec when positive,
// and returns the hex SHA-256 of the copied bytes. The destination is
// truncated first and fsynced at the end. The copy is consistent only when
// the source is not written concurrently; the page manager guarantees
// that by holding its lock around the call.
func CopyFile(ctx context.Context, srcPath, dstPath string, bytesPerSec int64) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open destination: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize)
	}

	sum := sha256.New()
	buf := make([]byte, chunkSize)
	var off int64
	for {
		n, rerr := src.ReadAt(buf, off)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return "", fmt.Errorf("rate limiter: %w", err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("write chunk at offset %d: %w", off, werr)
			}
			sum.Write(buf[:n])
			off += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return "", fmt.Errorf("read chunk at offset %d: %w", off, rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("sync destination: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
