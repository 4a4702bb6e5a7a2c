package output

import (
	"bytes"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/ShmStreamer/internal/encode"
	"github.com/bryanchriswhite/ShmStreamer/internal/frame"
	"github.com/bryanchriswhite/ShmStreamer/internal/od4/opendlv"
	"github.com/bryanchriswhite/ShmStreamer/internal/stream"
)

func published(t *testing.T, seq uint64, width, height int) stream.Published {
	t.Helper()
	buf := &frame.Buffer{Width: width, Height: height, BPP: 24, Pix: make([]byte, frame.Size(width, height, 24))}
	for i := range buf.Pix {
		buf.Pix[i] = byte(i)
	}
	data, err := encode.NewJPEG(0).Encode(buf)
	require.NoError(t, err)
	return stream.Published{
		Sequence: seq,
		Reading: opendlv.ImageReading{
			Format: encode.FormatJPEG,
			Width:  uint32(width),
			Height: uint32(height),
			Data:   data,
		},
		Frame:      buf,
		SampleTime: time.Unix(100, 0),
		Duration:   3 * time.Millisecond,
	}
}

func TestWriteReadingRequiresStart(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 4, Height: 4})
	assert.ErrorIs(t, m.WriteReading(published(t, 1, 4, 4)), ErrNotRunning)

	require.NoError(t, m.Start())
	assert.Error(t, m.Start())
	assert.NoError(t, m.WriteReading(published(t, 1, 4, 4)))
	require.NoError(t, m.Stop())
	assert.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
}

func TestSnapshotIsPublishedBytes(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 32, Height: 24})
	require.NoError(t, m.Start())
	defer m.Stop()

	_, err := m.Snapshot()
	assert.ErrorIs(t, err, ErrNoFrame)

	p := published(t, 1, 32, 24)
	require.NoError(t, m.WriteReading(p))

	got, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, p.Reading.Data, got)

	stats := m.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, uint64(1), stats.Frames)
	assert.False(t, stats.LastUpdate.IsZero())
}

func TestThumbnailKeepsAspectRatio(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 640, Height: 480})
	require.NoError(t, m.Start())
	defer m.Stop()

	_, err := m.Thumbnail()
	assert.ErrorIs(t, err, ErrNoFrame)

	require.NoError(t, m.WriteReading(published(t, 7, 640, 480)))
	data, err := m.Thumbnail()
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, DefaultThumbnailWidth, img.Bounds().Dx())
	assert.Equal(t, 120, img.Bounds().Dy())
}

func TestSubscribeReceivesEvents(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	require.NoError(t, m.Start())

	ch := m.Subscribe()
	p := published(t, 3, 8, 6)
	require.NoError(t, m.WriteReading(p))

	select {
	case e := <-ch:
		assert.Equal(t, uint64(3), e.Sequence)
		assert.Equal(t, uint32(8), e.Width)
		assert.Equal(t, len(p.Reading.Data), e.Bytes)
		assert.InDelta(t, 3.0, e.DurationMs, 0.001)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.Unsubscribe(ch)

	ch2 := m.Subscribe()
	require.NoError(t, m.Stop())
	_, ok = <-ch2
	assert.False(t, ok)
}

func TestStreamHandlerSendsPublishedJPEG(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 16, Height: 12})
	require.NoError(t, m.Start())
	defer m.Stop()

	srv := httptest.NewServer(m.GetHTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	require.Eventually(t, func() bool { return m.Stats().Clients == 1 }, time.Second, 5*time.Millisecond)

	// The second frame's boundary terminates the first part.
	p := published(t, 1, 16, 12)
	require.NoError(t, m.WriteReading(p))
	require.NoError(t, m.WriteReading(published(t, 2, 16, 12)))

	reader := multipart.NewReader(resp.Body, params["boundary"])
	part, err := reader.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	got, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, p.Reading.Data, got)
}

func TestStreamHandlerWhenStopped(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	rec := httptest.NewRecorder()
	m.GetHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
