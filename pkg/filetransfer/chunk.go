// Package filetransfer moves a byte stream over a Transport as a sequence
// of XDR encoded chunks, each in its own message.
//
// A transfer is a run of FileChunk records with increasing sequence
// numbers. The last record carries FlagEOF and may have an empty payload.
// Payloads are optionally zstd compressed per chunk; a chunk is sent
// compressed only when that makes it smaller.
package filetransfer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// Chunk flags.
const (
	FlagEOF        uint32 = 1 << 0
	FlagCompressed uint32 = 1 << 1
)

// DefaultChunkSize is the payload carried by one chunk before compression.
const DefaultChunkSize = 256 << 10

// MaxChunkSize bounds the decoded payload of a single chunk.
const MaxChunkSize = 4 << 20

var (
	ErrOutOfSequence = errors.New("filetransfer: chunk out of sequence")
	ErrChunkTooLarge = errors.New("filetransfer: chunk exceeds maximum size")
	ErrBadFlags      = errors.New("filetransfer: unknown chunk flags")
	ErrClosed        = errors.New("filetransfer: stream already finished")
)

// FileChunk is the XDR record exchanged for every piece of a file.
//
//	struct FileChunk {
//	    unsigned int seq;
//	    unsigned int flags;
//	    opaque       data<>;
//	};
type FileChunk struct {
	Seq   uint32
	Flags uint32
	Data  []byte
}

// Last reports whether the chunk ends the transfer.
func (c *FileChunk) Last() bool {
	return c.Flags&FlagEOF != 0
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("filetransfer: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxChunkSize))
	if err != nil {
		panic("filetransfer: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeChunk serializes a chunk, compressing its payload when asked and
// when the result is smaller.
func EncodeChunk(seq uint32, data []byte, last, compress bool) ([]byte, error) {
	chunk := FileChunk{Seq: seq, Data: data}
	if last {
		chunk.Flags |= FlagEOF
	}
	if compress && len(data) > 0 {
		if compressed := encoder.EncodeAll(data, nil); len(compressed) < len(data) {
			chunk.Data = compressed
			chunk.Flags |= FlagCompressed
		}
	}

	var buf bytes.Buffer
	buf.Grow(len(chunk.Data) + 16)
	if _, err := xdr.Marshal(&buf, &chunk); err != nil {
		return nil, fmt.Errorf("marshal chunk %d: %w", seq, err)
	}
	return buf.Bytes(), nil
}

// DecodeChunk parses a chunk and returns it with its payload decompressed.
func DecodeChunk(data []byte) (*FileChunk, error) {
	chunk := &FileChunk{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}
	if chunk.Flags&^(FlagEOF|FlagCompressed) != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrBadFlags, chunk.Flags)
	}
	if chunk.Flags&FlagCompressed != 0 {
		plain, err := decoder.DecodeAll(chunk.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress chunk %d: %w", chunk.Seq, err)
		}
		chunk.Data = plain
		chunk.Flags &^= FlagCompressed
	}
	if len(chunk.Data) > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk %d has %d bytes", ErrChunkTooLarge, chunk.Seq, len(chunk.Data))
	}
	return chunk, nil
}
