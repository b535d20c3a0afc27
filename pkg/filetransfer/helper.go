package filetransfer

import (
	"fmt"
	"io"

	"github.com/marmos91/gridrpc/internal/protocol"
)

// Stream carries opaque messages. transport.Transport satisfies it.
type Stream interface {
	SendRaw(payload []byte) error
	ReceiveRaw() ([]byte, error)
}

// Option configures a Helper.
type Option func(*Helper)

// WithCompression enables zstd compression of outgoing chunks. Incoming
// chunks are decompressed whatever this setting.
func WithCompression(enabled bool) Option {
	return func(h *Helper) { h.compress = enabled }
}

// WithChunkSize sets the payload size of outgoing chunks.
func WithChunkSize(size int) Option {
	return func(h *Helper) {
		if size > 0 && size <= MaxChunkSize {
			h.chunkSize = size
		}
	}
}

// Helper drives one transfer in one direction over a Stream.
//
// A Helper is single use: it either sends (Writer, SendFrom) or receives
// (Reader, ReceiveTo) exactly one file.
type Helper struct {
	stream    Stream
	compress  bool
	chunkSize int

	seq      uint32
	bytes    int64
	finished bool
}

// NewHelper creates a Helper over stream.
func NewHelper(stream Stream, opts ...Option) *Helper {
	h := &Helper{stream: stream, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Finished reports whether the EOF chunk was sent or received.
func (h *Helper) Finished() bool {
	return h.finished
}

// Bytes returns the payload bytes moved so far, before compression.
func (h *Helper) Bytes() int64 {
	return h.bytes
}

// SendFrom streams r to the peer and terminates the transfer.
func (h *Helper) SendFrom(r io.Reader) (int64, error) {
	w := h.Writer()
	if _, err := io.Copy(w, r); err != nil {
		return h.bytes, err
	}
	return h.bytes, w.Close()
}

// ReceiveTo writes the incoming file to w until the EOF chunk.
func (h *Helper) ReceiveTo(w io.Writer) (int64, error) {
	r := h.Reader()
	n, err := io.Copy(w, r)
	if err != nil {
		// Keep the stream in sync for whatever follows the transfer.
		_ = r.Close()
	}
	return n, err
}

// Writer returns a writer that sends chunks as they fill up. Close sends
// the remaining bytes with the EOF flag.
func (h *Helper) Writer() io.WriteCloser {
	return &chunkWriter{h: h, buf: make([]byte, 0, h.chunkSize)}
}

// Reader returns a reader over the incoming chunks. Close discards the
// chunks not yet read, up to and including the EOF chunk.
func (h *Helper) Reader() io.ReadCloser {
	return &chunkReader{h: h}
}

func (h *Helper) sendChunk(data []byte, last bool) error {
	if h.finished {
		return ErrClosed
	}
	payload, err := EncodeChunk(h.seq, data, last, h.compress)
	if err != nil {
		return err
	}
	if err := h.stream.SendRaw(payload); err != nil {
		return fmt.Errorf("send chunk %d: %w", h.seq, err)
	}
	h.seq++
	h.bytes += int64(len(data))
	h.finished = last
	return nil
}

func (h *Helper) receiveChunk() (*FileChunk, error) {
	if h.finished {
		return nil, ErrClosed
	}
	raw, err := h.stream.ReceiveRaw()
	if err != nil {
		return nil, fmt.Errorf("receive chunk %d: %w", h.seq, err)
	}
	chunk, err := DecodeChunk(raw)
	protocol.PutBuffer(raw)
	if err != nil {
		return nil, err
	}
	if chunk.Seq != h.seq {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrOutOfSequence, chunk.Seq, h.seq)
	}
	h.seq++
	h.bytes += int64(len(chunk.Data))
	h.finished = chunk.Last()
	return chunk, nil
}

type chunkWriter struct {
	h      *Helper
	buf    []byte
	err    error
	closed bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	written := 0
	for len(p) > 0 {
		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n

		if len(w.buf) == cap(w.buf) {
			if err := w.h.sendChunk(w.buf, false); err != nil {
				w.err = err
				return written, err
			}
			w.buf = w.buf[:0]
		}
	}
	return written, nil
}

func (w *chunkWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.h.sendChunk(w.buf, true)
}

type chunkReader struct {
	h   *Helper
	buf []byte
	eof bool
	err error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.eof {
			return 0, io.EOF
		}
		r.fill()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) fill() {
	chunk, err := r.h.receiveChunk()
	if err != nil {
		r.err = err
		return
	}
	r.buf = chunk.Data
	r.eof = chunk.Last()
}

func (r *chunkReader) Close() error {
	r.buf = nil
	for !r.eof && r.err == nil {
		r.fill()
	}
	if r.err != nil && r.err != ErrClosed {
		return r.err
	}
	return nil
}
