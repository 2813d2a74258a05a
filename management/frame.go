package management

import (
	"regexp"

	"github.com/yllada/openvpn-monitor/common"
)

// blockTerminator matches a line holding only END, with or without CR.
var blockTerminator = regexp.MustCompile(`\r?\nEND\r?\n`)

// FrameReader accumulates transport chunks and cuts them into blocks.
// A block is everything before an END line; the END line itself is consumed.
// It is not safe for concurrent use; Conn feeds it from a single goroutine.
type FrameReader struct {
	buf []byte
	max int
}

// NewFrameReader returns a reader that fails once more than max bytes are
// buffered without a terminator. max <= 0 disables the limit.
func NewFrameReader(max int) *FrameReader {
	return &FrameReader{max: max}
}

// Feed appends chunk and returns every block completed by it, in order.
// A trailing partial block stays buffered for the next call.
//
// When the buffered remainder exceeds the limit, the buffer is discarded and
// ErrFrameTooLarge is returned alongside any blocks completed before it.
func (r *FrameReader) Feed(chunk []byte) ([]string, error) {
	r.buf = append(r.buf, chunk...)

	var blocks []string
	for {
		loc := blockTerminator.FindIndex(r.buf)
		if loc == nil {
			break
		}
		blocks = append(blocks, string(r.buf[:loc[0]]))
		r.buf = r.buf[loc[1]:]
	}

	if len(r.buf) == 0 {
		r.buf = nil
	}
	if r.max > 0 && len(r.buf) > r.max {
		r.buf = nil
		return blocks, common.ErrFrameTooLarge
	}
	return blocks, nil
}

// Buffered returns the number of bytes waiting for a terminator.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}

// Reset drops any partial block.
func (r *FrameReader) Reset() {
	r.buf = nil
}
