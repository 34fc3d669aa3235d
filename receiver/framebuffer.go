package receiver

import (
	"os"
)

// blankFramebuffer paints the console framebuffer solid black by writing
// zero bytes directly to the device node, so stray kernel/console text never
// flashes between clips. It is best-effort: receivers that aren't running on
// bare console hardware (dev machines, containers) simply have no /dev/fb0
// and the error is swallowed by the caller.
func blankFramebuffer(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size <= 0 {
		// Character device nodes report a zero size; fall back to a size
		// comfortably larger than any real framebuffer and let the short
		// write at EOF truncate itself.
		size = 64 * 1024 * 1024
	}

	const chunkSize = 1 << 20
	zeros := make([]byte, chunkSize)
	var written int64
	for written < size {
		n := chunkSize
		if remaining := size - written; remaining < int64(n) {
			n = int(remaining)
		}
		wn, werr := f.Write(zeros[:n])
		written += int64(wn)
		if werr != nil {
			return werr
		}
	}
	return nil
}
