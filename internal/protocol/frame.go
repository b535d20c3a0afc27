package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFragmentSize is the largest fragment a peer may send. Larger
	// messages are split by WriteMessage.
	MaxFragmentSize = 1 << 20

	// MaxMessageSize bounds the reassembled size of a single message.
	MaxMessageSize = 16 << 20

	lastFragmentFlag = 0x80000000
	fragmentSizeMask = 0x7FFFFFFF
	headerSize       = 4
)

var (
	ErrFragmentTooLarge = errors.New("protocol: fragment too large")
	ErrMessageTooLarge  = errors.New("protocol: message too large")
)

type fragmentHeader struct {
	IsLast bool
	Length uint32
}

// readFragmentHeader reads the 4-byte record marking header.
//
// The header contains:
//   - Bit 31: last fragment flag (1 = last, 0 = more fragments)
//   - Bits 0-30: fragment length in bytes
func readFragmentHeader(r io.Reader) (fragmentHeader, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fragmentHeader{}, err
	}

	header := binary.BigEndian.Uint32(buf[:])
	return fragmentHeader{
		IsLast: (header & lastFragmentFlag) != 0,
		Length: header & fragmentSizeMask,
	}, nil
}

// ReadMessage reads one record-marked message from r, reassembling
// fragments. The returned slice may come from the buffer pool; callers
// that are done with it should hand it back with PutBuffer.
func ReadMessage(r io.Reader) ([]byte, error) {
	header, err := readFragmentHeader(r)
	if err != nil {
		return nil, err
	}
	if header.Length > MaxFragmentSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFragmentTooLarge, header.Length)
	}

	// Fast path: a single fragment is read straight into a pooled buffer.
	if header.IsLast {
		buf := GetBuffer(header.Length)
		if _, err := io.ReadFull(r, buf); err != nil {
			PutBuffer(buf)
			return nil, fmt.Errorf("read fragment: %w", err)
		}
		return buf, nil
	}

	msg := make([]byte, 0, 2*MaxFragmentSize)
	for {
		if uint64(len(msg))+uint64(header.Length) > MaxMessageSize {
			return nil, fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLarge, MaxMessageSize)
		}

		start := len(msg)
		msg = append(msg, make([]byte, header.Length)...)
		if _, err := io.ReadFull(r, msg[start:]); err != nil {
			return nil, fmt.Errorf("read fragment: %w", err)
		}

		if header.IsLast {
			return msg, nil
		}

		header, err = readFragmentHeader(r)
		if err != nil {
			return nil, fmt.Errorf("read fragment header: %w", err)
		}
		if header.Length > MaxFragmentSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFragmentTooLarge, header.Length)
		}
	}
}

// WriteMessage writes payload as one record-marked message, split into
// fragments of at most MaxFragmentSize bytes. Each fragment goes out in a
// single Write so a TLS connection emits one record per fragment.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	for {
		n := len(payload)
		last := true
		if n > MaxFragmentSize {
			n = MaxFragmentSize
			last = false
		}

		header := uint32(n)
		if last {
			header |= lastFragmentFlag
		}

		buf := GetBuffer(uint32(headerSize + n))
		binary.BigEndian.PutUint32(buf[:headerSize], header)
		copy(buf[headerSize:], payload[:n])
		_, err := w.Write(buf)
		PutBuffer(buf)
		if err != nil {
			return fmt.Errorf("write fragment: %w", err)
		}

		payload = payload[n:]
		if last {
			return nil
		}
	}
}
