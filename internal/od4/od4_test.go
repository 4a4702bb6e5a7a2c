package od4

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/ShmStreamer/internal/od4/opendlv"
)

func TestGroupAddress(t *testing.T) {
	addr, err := GroupAddress(111)
	require.NoError(t, err)
	assert.Equal(t, "225.0.0.111:12175", addr)

	_, err = GroupAddress(0)
	assert.ErrorIs(t, err, ErrInvalidCID)
	_, err = GroupAddress(255)
	assert.ErrorIs(t, err, ErrInvalidCID)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	sent := time.Unix(1700000000, 123456000)
	sample := time.Unix(1700000000, 120000000)
	in := Envelope{
		DataType:        opendlv.ImageReadingID,
		SerializedData:  []byte{1, 2, 3, 4},
		Sent:            sent,
		SampleTimeStamp: sample,
		SenderStamp:     7,
	}

	var out Envelope
	require.NoError(t, out.Unmarshal(in.Marshal()))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, out.Received.IsZero())
}

func TestEnvelopeNegativeDataType(t *testing.T) {
	in := Envelope{DataType: -3}
	var out Envelope
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, int32(-3), out.DataType)
}

func TestFrameHeader(t *testing.T) {
	payload := bytes.Repeat([]byte{0xEE}, 300)
	packet, err := Frame(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0D, 0xA4, 0x2C, 0x01, 0x00}, packet[:5])

	got, err := Unframe(packet)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = Unframe([]byte{0x00, 0xA4, 0, 0, 0})
	assert.ErrorIs(t, err, ErrBadFrame)
	_, err = Unframe(packet[:100])
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestPackRejectsOversizedMessage(t *testing.T) {
	msg := opendlv.ImageReading{Format: "jpeg", Width: 1, Height: 1, Data: make([]byte, MaxDatagramSize)}
	_, err := Pack(msg, time.Now(), time.Now(), 0)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestUnpackImageReading(t *testing.T) {
	msg := opendlv.ImageReading{Format: "jpeg", Width: 640, Height: 480, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
	sample := time.Unix(1600000000, 5000)
	packet, err := Pack(msg, time.Unix(1600000001, 0), sample, 3)
	require.NoError(t, err)

	env, err := Unpack(packet)
	require.NoError(t, err)
	assert.Equal(t, int32(opendlv.ImageReadingID), env.DataType)
	assert.Equal(t, uint32(3), env.SenderStamp)
	assert.True(t, sample.Equal(env.SampleTimeStamp))

	got, err := opendlv.UnmarshalImageReading(env.SerializedData)
	require.NoError(t, err)
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("image reading mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionToListenerLoopback(t *testing.T) {
	l, err := Listen(0, WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	defer l.Close()

	fixed := time.Unix(1650000000, 0)
	s, err := NewSession(111, WithAddress(l.LocalAddr().String()), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint16(111), s.CID())

	msg := opendlv.ImageReading{Format: "jpeg", Width: 2, Height: 2, Data: []byte("not really a jpeg")}
	sample := time.Unix(1650000000, 250000000)
	require.NoError(t, s.Send(msg, sample, 9))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := l.Receive(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint32(9), env.SenderStamp)
	assert.True(t, fixed.Equal(env.Sent))
	assert.True(t, sample.Equal(env.SampleTimeStamp))
	assert.False(t, env.Received.IsZero())

	got, err := opendlv.UnmarshalImageReading(env.SerializedData)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	sent, failed := s.Counts()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(0), failed)
}

func TestSessionSendTooLargeCountsFailure(t *testing.T) {
	l, err := Listen(0, WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	defer l.Close()

	s, err := NewSession(1, WithAddress(l.LocalAddr().String()))
	require.NoError(t, err)
	defer s.Close()

	err = s.Send(opendlv.ImageReading{Data: make([]byte, 70000)}, time.Now(), 0)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	_, failed := s.Counts()
	assert.Equal(t, uint64(1), failed)
}

func TestListenerHonoursContext(t *testing.T) {
	l, err := Listen(0, WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSessionRejectsBadCID(t *testing.T) {
	_, err := NewSession(0)
	assert.ErrorIs(t, err, ErrInvalidCID)
}
