package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/babblemesh/babbler/internal/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, "meta", 7, []byte(`{"a":1}`)))

	f, err := wire.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, wire.TypeMeta, f.Type)
	require.Equal(t, int32(7), f.Seq)
	require.Equal(t, []byte(`{"a":1}`), f.Payload)
}

func TestDecodeNormalizesTypeCase(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, "HRTB", 0, nil))
	raw := buf.Bytes()
	copy(raw[0:4], "hrtb") // Encode uppercases; put a lowercase type on the wire by hand

	f, err := wire.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "HRTB", f.Type)
}

func TestDecodeShortFrameIsDropped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, "SUPD", 1, []byte("0123456789")))

	// Truncate mid-payload to simulate the stream ending mid-frame.
	truncated := buf.Bytes()[:len(buf.Bytes())-4]

	_, err := wire.Decode(bytes.NewReader(truncated))
	require.ErrorIs(t, err, wire.ErrShortFrame)
}

func TestEncodeRejectsBadType(t *testing.T) {
	var buf bytes.Buffer
	err := wire.Encode(&buf, "TOOLONG", 0, nil)
	require.ErrorIs(t, err, wire.ErrBadType)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	// Hand-build a header claiming a payload far larger than MaxPayload.
	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, "META", 0, nil))
	raw := buf.Bytes()
	raw[4], raw[5], raw[6], raw[7] = 0x7F, 0xFF, 0xFF, 0xFF // huge length

	_, err := wire.Decode(bytes.NewReader(raw))
	require.ErrorIs(t, err, wire.ErrFrameTooLarge)
}
