package serialmux

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
)

func mustCc(t *testing.T) []byte {
	t.Helper()
	b, err := layout.AppendCcEvt(nil, layout.BleEvt, layout.CcEvt{NumCmd: 1, CmdCode: 0x03, Payload: []byte{0x00}})
	require.NoError(t, err)
	return b
}

func mustAcl(t *testing.T, data string) []byte {
	t.Helper()
	b, err := layout.AppendAclDataSerial(nil, 0x0040, []byte(data))
	require.NoError(t, err)
	return b
}

func TestFrameReaderSplitsStream(t *testing.T) {
	t.Parallel()

	cc := mustCc(t)
	acl := mustAcl(t, "0123456789")
	sys, err := layout.AppendEvtSerial(nil, layout.SysEvt, 0xFF, nil)
	require.NoError(t, err)

	var stream []byte
	stream = append(stream, cc...)
	stream = append(stream, acl...)
	stream = append(stream, sys...)

	fr := NewFrameReader(bytes.NewReader(stream))
	for _, want := range [][]byte{cc, acl, sys} {
		f, err := fr.Next()
		require.NoError(t, err)
		assert.Equal(t, layout.PacketType(want[0]), f.Kind)
		assert.Equal(t, want, f.Data)
		assert.False(t, f.ReceivedAt.IsZero())
	}
	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, fr.Skipped())
}

func TestFrameReaderFramesCommands(t *testing.T) {
	t.Parallel()

	// Parameter length sits at offset 3; event framing would read the
	// opcode's high byte (0x0C) as the length instead.
	cmd, err := layout.AppendCmdSerial(nil, layout.BleCmd, 0x0C01, []byte{0xFF, 0xFF, 0xFB, 0xFF, 0x07, 0xF8, 0xBF, 0x3D})
	require.NoError(t, err)
	cc := mustCc(t)

	fr := NewFrameReader(bytes.NewReader(append(append([]byte{}, cmd...), cc...)))
	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, layout.BleCmd, f.Kind)
	assert.Equal(t, cmd, f.Data)

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, cc, f.Data)
	assert.Zero(t, fr.Skipped())
}

func TestFrameReaderResyncs(t *testing.T) {
	t.Parallel()

	cc := mustCc(t)
	stream := append([]byte{0x00, 0xFF, 0x55}, cc...)

	fr := NewFrameReader(bytes.NewReader(stream))
	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, cc, f.Data)
	assert.Equal(t, uint64(3), fr.Skipped())
}

func TestFrameReaderTruncated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stream []byte
	}{
		{"inside header", []byte{byte(layout.AclData), 0x40}},
		{"inside payload", mustAcl(t, "0123456789")[:9]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewFrameReader(bytes.NewReader(tt.stream)).Next()
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		})
	}
}
