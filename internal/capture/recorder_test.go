package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/audio/audiotest"
	"github.com/audiolibrelab/speakcheck/internal/capture"
	"github.com/audiolibrelab/speakcheck/internal/capture/capturetest"
)

func testConfig(max int) capture.Config {
	return capture.Config{
		MaxDurationSeconds: max,
		MimeType:           "audio/webm",
		Constraints:        audio.Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true},
	}
}

func newTestRecorder(device audio.Device) (*capture.Recorder, *capturetest.ManualClock) {
	clock := capturetest.NewManualClock()
	return capture.NewRecorder(device, capture.WithTicker(clock.NewTicker)), clock
}

func waitDone(t *testing.T, rec *capture.Recording) {
	t.Helper()
	select {
	case <-rec.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("recording %s did not finish, state %s", rec.ID(), rec.State())
	}
}

func TestGovernorStopsAtCeiling(t *testing.T) {
	for _, max := range []int{1, 3, 60} {
		device := audiotest.NewDevice([]byte("abc"))
		recorder, clock := newTestRecorder(device)

		rec, err := recorder.Start(context.Background(), testConfig(max))
		require.NoError(t, err)
		require.Equal(t, capture.StateRecording, rec.State())

		assert.Equal(t, max, clock.Advance(max))
		waitDone(t, rec)

		assert.Equal(t, capture.StateStopped, rec.State())
		assert.Equal(t, max, rec.ElapsedSeconds())
		assert.Equal(t, 0, clock.Advance(1), "governor kept ticking after the ceiling")
		assert.Equal(t, 1, device.Releases())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	device := audiotest.NewDevice([]byte("he"), []byte("llo"))
	recorder, _ := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(30))
	require.NoError(t, err)

	first, err := recorder.Stop(rec)
	require.NoError(t, err)
	second, err := recorder.Stop(rec)
	require.NoError(t, err)

	assert.Equal(t, "hello", string(first.Data))
	assert.Equal(t, first, second)
	assert.Equal(t, "audio/webm", first.MimeType)
	assert.Equal(t, 1, device.Releases())
}

func TestConcurrentStopAndGovernorResolveToOneStop(t *testing.T) {
	device := audiotest.NewDevice([]byte("x"))
	recorder, clock := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]audio.Artifact, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		clock.Advance(1)
		results[0], _ = recorder.Stop(rec)
	}()
	go func() {
		defer wg.Done()
		results[1], _ = recorder.Stop(rec)
	}()
	wg.Wait()

	assert.Equal(t, results[0], results[1])
	assert.Equal(t, 1, device.Releases())
	assert.LessOrEqual(t, rec.ElapsedSeconds(), 1)
}

func TestManualStopHaltsGovernor(t *testing.T) {
	device := audiotest.NewDevice()
	recorder, clock := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(10))
	require.NoError(t, err)
	require.Equal(t, 2, clock.Advance(2))

	_, err = recorder.Stop(rec)
	require.NoError(t, err)

	select {
	case <-clock.Current().Stopped():
	case <-time.After(time.Second):
		t.Fatal("governor still running after stop")
	}
	assert.Equal(t, 0, clock.Advance(1))
	assert.Equal(t, 2, rec.ElapsedSeconds())
}

func TestStartRejectsSecondRecording(t *testing.T) {
	device := audiotest.NewDevice()
	recorder, _ := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(10))
	require.NoError(t, err)

	_, err = recorder.Start(context.Background(), testConfig(10))
	assert.True(t, apperr.IsKind(err, apperr.AlreadyRecording))

	_, err = recorder.Stop(rec)
	require.NoError(t, err)

	next, err := recorder.Start(context.Background(), testConfig(10))
	require.NoError(t, err)
	recorder.Discard(next)
	assert.Equal(t, 2, device.Acquires())
	assert.Equal(t, 2, device.Releases())
}

func TestNewStartBeginsWithEmptyChunks(t *testing.T) {
	device := audiotest.NewDevice([]byte("first"))
	recorder, _ := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(10))
	require.NoError(t, err)
	artifact, err := recorder.Stop(rec)
	require.NoError(t, err)
	require.Equal(t, "first", string(artifact.Data))

	device.Chunks = [][]byte{[]byte("second")}
	rec2, err := recorder.Start(context.Background(), testConfig(10))
	require.NoError(t, err)
	artifact2, err := recorder.Stop(rec2)
	require.NoError(t, err)
	assert.Equal(t, "second", string(artifact2.Data))
}

func TestAcquisitionFailureLeavesIdle(t *testing.T) {
	device := audiotest.NewDevice()
	device.Err = apperr.New(apperr.PermissionDenied, "denied")
	recorder, _ := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(10))
	assert.Nil(t, rec)
	assert.True(t, apperr.IsKind(err, apperr.PermissionDenied))
	assert.Nil(t, recorder.Active())

	device.Err = errors.New("no card")
	_, err = recorder.Start(context.Background(), testConfig(10))
	assert.True(t, apperr.IsKind(err, apperr.DeviceUnavailable))
}

func TestInvalidConfigIsRejected(t *testing.T) {
	recorder, _ := newTestRecorder(audiotest.NewDevice())

	_, err := recorder.Start(context.Background(), capture.Config{MaxDurationSeconds: 0, MimeType: "audio/webm"})
	assert.Error(t, err)
	_, err = recorder.Start(context.Background(), capture.Config{MaxDurationSeconds: 5, MimeType: "video/mp4"})
	assert.Error(t, err)
}

func TestDiscardReleasesDevice(t *testing.T) {
	device := audiotest.NewDevice([]byte("abc"))
	recorder, clock := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(10))
	require.NoError(t, err)

	recorder.Discard(rec)
	recorder.Discard(rec)

	assert.Equal(t, capture.StateDiscarded, rec.State())
	assert.Equal(t, device.Acquires(), device.Releases())
	assert.Equal(t, 0, clock.Advance(1))

	_, err = recorder.Stop(rec)
	assert.ErrorIs(t, err, capture.ErrSessionDiscarded)
	_, ok := rec.Artifact()
	assert.False(t, ok)
}

func TestDiscardAfterStopDropsArtifact(t *testing.T) {
	device := audiotest.NewDevice([]byte("abc"))
	recorder, _ := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(10))
	require.NoError(t, err)
	_, err = recorder.Stop(rec)
	require.NoError(t, err)

	recorder.Discard(rec)
	_, ok := rec.Artifact()
	assert.False(t, ok)
	assert.Equal(t, 1, device.Releases())
}

type startResult struct {
	rec *capture.Recording
	err error
}

func startAsync(recorder *capture.Recorder) <-chan startResult {
	started := make(chan startResult, 1)
	go func() {
		rec, err := recorder.Start(context.Background(), testConfig(10))
		started <- startResult{rec, err}
	}()
	return started
}

func TestDiscardDuringAcquisition(t *testing.T) {
	device := audiotest.NewDevice([]byte("abc"))
	device.Gate = make(chan struct{})
	recorder, _ := newTestRecorder(device)

	started := startAsync(recorder)
	<-device.Entered()
	active := recorder.Active()
	require.NotNil(t, active)
	assert.Equal(t, capture.StateAcquiringDevice, active.State())

	recorder.Discard(active)

	res := <-started
	assert.Nil(t, res.rec)
	assert.ErrorIs(t, res.err, capture.ErrSessionDiscarded)
	assert.Equal(t, 1, device.Cancels(), "pending acquisition cancelled")
	assert.Equal(t, 0, device.Releases())
	assert.Nil(t, recorder.Active())

	// The microphone is free again as soon as Discard returns.
	device.Gate = nil
	next, err := recorder.Start(context.Background(), testConfig(10))
	require.NoError(t, err)
	recorder.Discard(next)
	assert.Equal(t, 2, device.Acquires())
	assert.Equal(t, 1, device.Releases())
}

func TestNoSecondAcquisitionWhileDiscardedOneIsPending(t *testing.T) {
	device := audiotest.NewDevice([]byte("abc"))
	device.Gate = make(chan struct{})
	device.IgnoreCancel = true
	recorder, _ := newTestRecorder(device)

	started := startAsync(recorder)
	<-device.Entered()
	active := recorder.Active()
	require.NotNil(t, active)

	discarded := make(chan struct{})
	go func() {
		recorder.Discard(active)
		close(discarded)
	}()
	require.Eventually(t, func() bool { return active.State() == capture.StateDiscarded }, time.Second, time.Millisecond)

	_, err := recorder.Start(context.Background(), testConfig(10))
	assert.True(t, apperr.IsKind(err, apperr.AlreadyRecording), "got %v", err)
	assert.Equal(t, 1, device.Acquires(), "only one acquisition in flight")

	close(device.Gate)
	<-discarded

	res := <-started
	assert.ErrorIs(t, res.err, capture.ErrSessionDiscarded)
	assert.Equal(t, 1, device.Releases(), "late stream released")
	assert.Nil(t, recorder.Active())
}

func TestStreamEndingStopsWithEmptyArtifact(t *testing.T) {
	device := audiotest.NewDevice()
	recorder, _ := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(10))
	require.NoError(t, err)

	device.Last().End()
	waitDone(t, rec)

	artifact, ok := rec.Artifact()
	require.True(t, ok)
	assert.True(t, artifact.Empty())
	assert.Equal(t, capture.StateStopped, rec.State())
	assert.Equal(t, 1, device.Releases())
}

func TestSnapshot(t *testing.T) {
	device := audiotest.NewDevice([]byte("abcd"))
	recorder, clock := newTestRecorder(device)

	rec, err := recorder.Start(context.Background(), testConfig(5))
	require.NoError(t, err)
	clock.Advance(3)
	_, err = recorder.Stop(rec)
	require.NoError(t, err)

	snap := rec.Snapshot()
	assert.Equal(t, rec.ID(), snap.ID)
	assert.Equal(t, capture.StateStopped, snap.State)
	assert.Equal(t, 3, snap.ElapsedSeconds)
	assert.Equal(t, 5, snap.MaxDurationSeconds)
	assert.Equal(t, 4, snap.ArtifactBytes)
}
