package resp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFrameNeedsMoreBytes(t *testing.T) {
	buf := []byte("*2\r\n$3\r\nSET\r\n$1\r\n")
	_, _, err := ParseFrame(buf)
	require.ErrorIs(t, err, ErrNeedMore)
}

func TestParseFrameCommand(t *testing.T) {
	buf := []byte("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	f, n, err := ParseFrame(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, TypeArray, f.Type)
	require.Equal(t, []string{"SET", "foo", "bar"}, f.StringArgs())
}

func TestParseFrameNullBulk(t *testing.T) {
	buf := []byte("$-1\r\n")
	f, n, err := ParseFrame(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.True(t, f.Null)
}

func TestParseFrameProtocolError(t *testing.T) {
	buf := []byte("*2\r\n$abc\r\n")
	_, _, err := ParseFrame(buf)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestParseFrameRejectsUnknownLeadingByte(t *testing.T) {
	// Bare inline commands are not part of this protocol surface: any
	// byte outside the five frame tags is a protocol error.
	_, _, err := ParseFrame([]byte("PING\r\n"))
	require.ErrorIs(t, err, ErrProtocol)

	_, _, err = ParseFrame([]byte{0x00})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestParseFrameTrailingDataNotConsumed(t *testing.T) {
	buf := []byte("+OK\r\n+OK\r\n")
	f, n, err := ParseFrame(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "OK", f.Str)
}

func TestAppendHelpers(t *testing.T) {
	var b []byte
	b = AppendSimpleString(b, "OK")
	require.Equal(t, "+OK\r\n", string(b))

	b = nil
	b = AppendBulkString(b, []byte("hi"))
	require.Equal(t, "$2\r\nhi\r\n", string(b))

	b = nil
	b = AppendBulkString(b, nil)
	require.Equal(t, "$-1\r\n", string(b))

	b = nil
	b = AppendInteger(b, 42)
	require.Equal(t, ":42\r\n", string(b))

	b = nil
	b = AppendCommand(b, "SET", "a", "b")
	require.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\nb\r\n", string(b))
}

func TestParseFrameRejectsNegativeLengths(t *testing.T) {
	_, _, err := ParseFrame([]byte("$-2\r\n"))
	require.ErrorIs(t, err, ErrProtocol)

	_, _, err = ParseFrame([]byte("*-2\r\n"))
	require.ErrorIs(t, err, ErrProtocol)
}

func TestParseFrameBulkLenLimit(t *testing.T) {
	old := MaxBulkLen
	MaxBulkLen = 8
	defer func() { MaxBulkLen = old }()

	_, _, err := ParseFrame([]byte("$9\r\n123456789\r\n"))
	require.ErrorIs(t, err, ErrProtocol)

	f, _, err := ParseFrame([]byte("$8\r\n12345678\r\n"))
	require.NoError(t, err)
	require.Equal(t, "12345678", string(f.Bulk))
}

func TestEveryPrefixNeedsMoreBytes(t *testing.T) {
	full := AppendCommand(nil, "SET", "key", "binary\r\nvalue")
	for i := 1; i < len(full); i++ {
		_, _, err := ParseFrame(full[:i])
		require.ErrorIs(t, err, ErrNeedMore, "prefix of %d bytes", i)
	}
	f, n, err := ParseFrame(full)
	require.NoError(t, err)
	require.Equal(t, len(full), n)
	require.Equal(t, "binary\r\nvalue", string(f.Array[2].Bulk))
}

func TestSerializeParseRoundTrip(t *testing.T) {
	var b []byte
	b = AppendArrayHeader(b, 3)
	b = AppendInteger(b, -7)
	b = AppendBulkString(b, []byte{0, 1, 2, 255})
	b = AppendNullArray(b)

	f, n, err := ParseFrame(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, int64(-7), f.Array[0].Int)
	require.Equal(t, []byte{0, 1, 2, 255}, f.Array[1].Bulk)
	require.True(t, f.Array[2].Null)
}
