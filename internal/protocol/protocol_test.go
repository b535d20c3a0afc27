package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"small", 17},
		{"exactly one fragment", MaxFragmentSize},
		{"two fragments", MaxFragmentSize + 1},
		{"several fragments", 3*MaxFragmentSize + 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xAB}, tt.size)

			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, payload))

			got, err := ReadMessage(&buf)
			require.NoError(t, err)
			assert.Equal(t, len(payload), len(got))
			assert.True(t, bytes.Equal(payload, got))
			assert.Zero(t, buf.Len(), "reader must consume the whole message")
		})
	}
}

func TestFrameHeaderEncoding(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, []byte("abc")))

	header := binary.BigEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, uint32(lastFragmentFlag|3), header)
}

func TestReadMessageRejectsOversizedFragment(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], lastFragmentFlag|(MaxFragmentSize+1))
	buf.Write(header[:])

	_, err := ReadMessage(&buf)
	assert.True(t, errors.Is(err, ErrFragmentTooLarge))
}

func TestReadMessageRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	fragment := make([]byte, MaxFragmentSize)
	var header [4]byte

	// 17 non-final fragments of 1 MiB exceed the 16 MiB limit.
	for i := 0; i < 17; i++ {
		binary.BigEndian.PutUint32(header[:], MaxFragmentSize)
		buf.Write(header[:])
		buf.Write(fragment)
	}

	_, err := ReadMessage(&buf)
	assert.True(t, errors.Is(err, ErrMessageTooLarge))
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	err := WriteMessage(&bytes.Buffer{}, make([]byte, MaxMessageSize+1))
	assert.True(t, errors.Is(err, ErrMessageTooLarge))
}

func TestQueryEncoding(t *testing.T) {
	q := Query{
		Method: "echo",
		Args:   []any{int64(1), "two", []byte{3}, 4.5, true, nil, []any{"x"}, map[string]any{"k": "v"}},
		Kwargs: map[string]any{"verbose": true},
	}

	data, err := Marshal(q)
	require.NoError(t, err)

	// The query travels as a plain three element array.
	var generic []any
	require.NoError(t, Unmarshal(data, &generic))
	require.Len(t, generic, 3)
	assert.Equal(t, "echo", generic[0])

	var decoded Query
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, "echo", decoded.Method)
	require.Len(t, decoded.Args, 8)
	assert.IsType(t, int64(0), decoded.Args[0])
	assert.IsType(t, "", decoded.Args[1])
	assert.IsType(t, []byte(nil), decoded.Args[2])
	assert.IsType(t, float64(0), decoded.Args[3])
	assert.IsType(t, true, decoded.Args[4])
	assert.Nil(t, decoded.Args[5])
	assert.IsType(t, []any(nil), decoded.Args[6])
	assert.IsType(t, map[string]any(nil), decoded.Args[7])
	assert.Equal(t, true, decoded.Kwargs["verbose"])
}

func TestParseExtraCredentials(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    ExtraCredentials
		wantErr bool
	}{
		{"none", nil, ExtraCredentials{}, false},
		{"group", "dirac_user", ExtraCredentials{Group: "dirac_user"}, false},
		{"pair", []any{"/O=Grid/CN=bob", "prod"}, ExtraCredentials{Forwarded: true, ForwardedDN: "/O=Grid/CN=bob", ForwardedGroup: "prod"}, false},
		{"short pair", []any{"/O=Grid/CN=bob"}, ExtraCredentials{}, true},
		{"non string pair", []any{"/O=Grid/CN=bob", int64(3)}, ExtraCredentials{}, true},
		{"number", int64(7), ExtraCredentials{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExtraCredentials(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadExtraCredentials)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHelloCarriesForwardedPair(t *testing.T) {
	data, err := Marshal(Hello{ExtraCredentials: ForwardedCredentials("/O=Grid/CN=bob", "prod"), ClientVersion: "1.2.0"})
	require.NoError(t, err)

	var hello Hello
	require.NoError(t, Unmarshal(data, &hello))

	ec, err := ParseExtraCredentials(hello.ExtraCredentials)
	require.NoError(t, err)
	assert.True(t, ec.Forwarded)
	assert.Equal(t, "prod", ec.ForwardedGroup)
}

func TestCheckClientVersion(t *testing.T) {
	tests := []struct {
		client string
		ok     bool
	}{
		{"", true},
		{"1.0.0", true},
		{"1.7.3", true},
		{"2.0.0", false},
		{"0.9.0", false},
		{"not-a-version", false},
	}

	for _, tt := range tests {
		t.Run(tt.client, func(t *testing.T) {
			err := CheckClientVersion("1.0.0", tt.client)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIncompatibleVersion)
			}
		})
	}
}
