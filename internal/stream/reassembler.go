// Package stream turns raw child-process output into clean logical lines.
//
// Unlike bufio.Scanner, the Reassembler has no line-length ceiling: bytes are
// read in fixed-size chunks and accumulated until a newline arrives, however
// far away that newline is.
package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// DefaultChunkSize is the read size used when none is configured.
const DefaultChunkSize = 4096

// maxEmptyReads mirrors bufio: a reader returning (0, nil) this many times in
// a row is treated as broken.
const maxEmptyReads = 100

// Option customises a Reassembler.
type Option func(*Reassembler)

// WithChunkSize sets the read chunk size. Non-positive values keep the default.
func WithChunkSize(size int) Option {
	return func(r *Reassembler) {
		if size > 0 {
			r.chunkSize = size
		}
	}
}

// Reassembler yields newline-delimited logical lines from a byte stream.
type Reassembler struct {
	src       io.Reader
	chunkSize int
	chunk     []byte
	buf       bytes.Buffer
	scanned   int // bytes of buf already known to hold no newline
	pending   []string
	empty     int
	eof       bool
	err       error
}

// NewReassembler wraps r.
func NewReassembler(r io.Reader, opts ...Option) *Reassembler {
	ra := &Reassembler{src: r, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(ra)
	}
	ra.chunk = make([]byte, ra.chunkSize)
	return ra
}

// Next returns the next cleaned line. It blocks until a full line is
// available or the stream ends; the second return value is false once the
// stream is exhausted.
func (r *Reassembler) Next() (string, bool) {
	for {
		if len(r.pending) > 0 {
			line := r.pending[0]
			r.pending = r.pending[1:]
			return line, true
		}
		if r.eof {
			return "", false
		}
		r.fill()
	}
}

// Err returns the first non-EOF read error, if any.
func (r *Reassembler) Err() error {
	return r.err
}

// Each calls fn for every line until the stream ends, ctx is cancelled or fn
// returns an error. Cancellation is observed between lines only.
func (r *Reassembler) Each(ctx context.Context, fn func(line string) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, ok := r.Next()
		if !ok {
			return r.err
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}

func (r *Reassembler) fill() {
	n, err := r.src.Read(r.chunk)
	if n > 0 {
		r.empty = 0
		r.buf.Write(r.chunk[:n])
		r.extract()
	} else if err == nil {
		r.empty++
		if r.empty >= maxEmptyReads {
			err = io.ErrNoProgress
		}
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.err = err
		}
		r.finish()
	}
}

func (r *Reassembler) extract() {
	for {
		data := r.buf.Bytes()
		rel := bytes.IndexByte(data[r.scanned:], '\n')
		if rel < 0 {
			r.scanned = len(data)
			return
		}
		idx := r.scanned + rel
		r.pending = append(r.pending, Clean(string(data[:idx])))
		r.buf.Next(idx + 1)
		r.scanned = 0
	}
}

// finish flushes an unterminated trailing line and marks the stream done.
func (r *Reassembler) finish() {
	if r.buf.Len() > 0 {
		r.pending = append(r.pending, Clean(r.buf.String()))
		r.buf.Reset()
	}
	r.scanned = 0
	r.eof = true
}

// Clean strips terminal escape sequences, carriage returns and other control
// characters from a single line and replaces invalid UTF-8.
func Clean(line string) string {
	line = strings.ToValidUTF8(line, string(unicode.ReplacementChar))
	line = strings.TrimRight(line, "\r")
	if strings.IndexByte(line, 0x1b) >= 0 {
		line = ansi.Strip(line)
	}
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, line)
}
