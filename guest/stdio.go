package guest

import "bytes"

// lineBuffer accumulates guest writes and emits complete,
// newline-terminated lines. Partial lines are held until a newline
// arrives or Flush is called, so interleaved writes within one line
// reach the receiver as a single event.
type lineBuffer struct {
	buf  bytes.Buffer
	emit func(line string)
}

func newLineBuffer(emit func(line string)) *lineBuffer {
	return &lineBuffer{emit: emit}
}

// Write appends p and emits every completed line, newline included.
func (b *lineBuffer) Write(p []byte) (int, error) {
	b.buf.Write(p)
	for {
		i := bytes.IndexByte(b.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		b.emit(string(b.buf.Next(i + 1)))
	}
}

// Flush emits any buffered partial line without a trailing newline.
func (b *lineBuffer) Flush() {
	if b.buf.Len() == 0 {
		return
	}
	b.emit(b.buf.String())
	b.buf.Reset()
}
