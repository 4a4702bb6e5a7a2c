package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/ShmStreamer/internal/capture"
	"github.com/bryanchriswhite/ShmStreamer/internal/capture/shm"
	"github.com/bryanchriswhite/ShmStreamer/internal/config"
	"github.com/bryanchriswhite/ShmStreamer/internal/frame"
	"github.com/bryanchriswhite/ShmStreamer/internal/od4"
	"github.com/bryanchriswhite/ShmStreamer/internal/od4/opendlv"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBridgeRequiresOptions(t *testing.T) {
	out, err := execute(t, "--name", "cam0", "--freq", "2")
	require.ErrorIs(t, err, config.ErrMissingOption)
	assert.Contains(t, err.Error(), "--cid")
	assert.Contains(t, out, "Usage:")
}

func TestBridgeMissingWidthFailsBeforeAttach(t *testing.T) {
	dir := t.TempDir()

	// No region exists in dir: reaching shm.Open would fail with
	// ErrRegionUnavailable instead.
	_, err := execute(t, "--name", "cam0", "--freq", "2", "--cid", "111",
		"--height", "48", "--bpp", "24", "--shm-dir", dir)
	require.ErrorIs(t, err, config.ErrMissingOption)
	assert.NotErrorIs(t, err, capture.ErrRegionUnavailable)
	assert.Contains(t, err.Error(), "--width")

	// With a live region the bridge still refuses before attaching.
	writer, err := shm.Create("cam0", 64, 48, 24, shm.WithDir(dir))
	require.NoError(t, err)
	defer writer.Close()

	_, err = execute(t, "--name", "cam0", "--freq", "2", "--cid", "111",
		"--height", "48", "--bpp", "24", "--shm-dir", dir)
	require.ErrorIs(t, err, config.ErrMissingOption)
	assert.NotErrorIs(t, err, capture.ErrRegionUnavailable)
}

func TestBridgeRejectsInvalidOptions(t *testing.T) {
	_, err := execute(t, "--name", "cam0", "--freq", "2", "--cid", "111",
		"--width", "64", "--height", "48", "--bpp", "12")
	assert.ErrorIs(t, err, config.ErrInvalidOption)
}

func TestBridgeFailsWithoutRegion(t *testing.T) {
	_, err := execute(t, "--name", "absent", "--freq", "2", "--cid", "111",
		"--width", "64", "--height", "48", "--bpp", "24", "--shm-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent")
}

func TestConfigShowJSON(t *testing.T) {
	out, err := execute(t, "config", "show", "--format", "json",
		"--name", "cam0", "--freq", "5", "--cid", "112",
		"--width", "64", "--height", "48", "--bpp", "24", "--scaled-width", "32")
	require.NoError(t, err)

	var cfg config.StreamConfig
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "cam0", cfg.Name)
	assert.Equal(t, uint16(112), cfg.CID)
	assert.Equal(t, 32, cfg.ScaledWidth)
	assert.Equal(t, 48, cfg.ScaledHeight)
}

func TestConfigShowYAMLAndBadFormat(t *testing.T) {
	args := []string{"--name", "cam0", "--freq", "5", "--cid", "112", "--width", "64", "--height", "48", "--bpp", "8"}

	out, err := execute(t, append([]string{"config", "show"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "name: cam0")
	assert.Contains(t, out, "bpp: 8")

	_, err = execute(t, append([]string{"config", "show", "--format", "toml"}, args...)...)
	assert.Error(t, err)
}

func TestSimulateFeedsRegion(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- simulate(ctx, simulateOptions{name: "sim", dir: dir, width: 32, height: 16, bpp: 24, freq: 100})
	}()

	var region *shm.Region
	require.Eventually(t, func() bool {
		r, err := shm.Open("sim", 32, 16, 24, shm.WithDir(dir))
		if err != nil {
			return false
		}
		region = r
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer region.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, region.WaitForFrame(waitCtx))

	require.NoError(t, region.WithLockedView(func(view *frame.Buffer) error {
		assert.Equal(t, 32, view.Width)
		assert.Len(t, view.Pix, 32*16*3)
		// Blue rises left to right.
		last := view.Pix[(31)*3]
		assert.Equal(t, byte(255), last)
		return nil
	}))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("simulate did not stop")
	}
}

func TestSimulateStopsAfterCount(t *testing.T) {
	err := simulate(context.Background(), simulateOptions{
		name: "counted", dir: t.TempDir(), width: 4, height: 4, bpp: 32, freq: 500, count: 3,
	})
	assert.NoError(t, err)
}

func TestSimulateRejectsUnsupportedDepth(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "simulate", "--name", "depth16", "--width", "4", "--height", "2",
		"--bpp", "16", "--count", "1", "--shm-dir", dir)
	require.ErrorIs(t, err, config.ErrInvalidOption)

	_, err = os.Stat(filepath.Join(dir, "depth16"))
	assert.True(t, os.IsNotExist(err), "no region is created for a rejected depth")
}

func TestDrawPatternAnyDepth(t *testing.T) {
	pix := make([]byte, frame.Size(4, 2, 16))
	assert.NotPanics(t, func() { drawPattern(pix, 4, 2, 16, 1) })
	assert.Equal(t, pix[0], pix[1])
}

func TestDrawPatternBar(t *testing.T) {
	pix := make([]byte, frame.Size(32, 2, 24))
	drawPattern(pix, 32, 2, 24, 0)
	assert.Equal(t, []byte{255, 255, 255}, pix[0:3], "bar starts at the left edge")
	assert.NotEqual(t, []byte{255, 255, 255}, pix[10*3:11*3])

	grey := make([]byte, frame.Size(8, 8, 8))
	drawPattern(grey, 8, 8, 8, 1)
	assert.NotZero(t, grey[len(grey)-1])
}

type scriptedReceiver struct {
	envs []od4.Envelope
	err  error
}

func (s *scriptedReceiver) Receive(ctx context.Context) (od4.Envelope, error) {
	if len(s.envs) == 0 {
		if s.err != nil {
			return od4.Envelope{}, s.err
		}
		<-ctx.Done()
		return od4.Envelope{}, ctx.Err()
	}
	env := s.envs[0]
	s.envs = s.envs[1:]
	return env, nil
}

func TestListenCountsImageReadings(t *testing.T) {
	reading := opendlv.ImageReading{Format: "jpeg", Width: 4, Height: 2, Data: []byte{1, 2, 3}}
	now := time.Unix(50, 0)
	rx := &scriptedReceiver{envs: []od4.Envelope{
		{DataType: opendlv.ImageReadingID, SerializedData: reading.Marshal(), Sent: now, Received: now.Add(time.Millisecond)},
		{DataType: 19, SerializedData: []byte{8, 1}},
		{DataType: opendlv.ImageReadingID, SerializedData: []byte{0xff}},
		{DataType: opendlv.ImageReadingID, SerializedData: reading.Marshal()},
		{DataType: opendlv.ImageReadingID, SerializedData: reading.Marshal()},
	}}

	seen, err := listen(context.Background(), rx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seen)
	assert.Len(t, rx.envs, 1)
}

func TestListenStopsOnCancelAndReportsErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	seen, err := listen(ctx, &scriptedReceiver{}, 0)
	assert.NoError(t, err)
	assert.Zero(t, seen)

	boom := errors.New("socket closed")
	_, err = listen(context.Background(), &scriptedReceiver{err: boom}, 0)
	assert.ErrorIs(t, err, boom)
}
