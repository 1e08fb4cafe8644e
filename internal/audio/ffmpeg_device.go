package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
	"github.com/audiolibrelab/speakcheck/internal/resource"
)

const (
	echoCancelSource = "echo-cancel-source"
	startupGrace     = 250 * time.Millisecond
	stopGrace        = 1200 * time.Millisecond
)

// DeviceConfig selects the ffmpeg input used for capture.
type DeviceConfig struct {
	Command     string
	InputFormat string
	Device      string
	SampleRate  int
	Channels    int
}

// FFmpegDevice captures the microphone by running ffmpeg against a
// PulseAudio/PipeWire source and encoding to the requested mime type.
type FFmpegDevice struct {
	cfg       DeviceConfig
	logWriter io.Writer
}

func NewFFmpegDevice(cfg DeviceConfig, logWriter io.Writer) *FFmpegDevice {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &FFmpegDevice{cfg: cfg, logWriter: logWriter}
}

// Acquire starts ffmpeg and returns its encoded output as a Stream.
func (d *FFmpegDevice) Acquire(ctx context.Context, spec StreamSpec) (Stream, error) {
	args, err := d.buildArgs(spec)
	if err != nil {
		return nil, apperr.Wrap(apperr.DeviceUnavailable, "unsupported capture format", err)
	}

	slog.Debug("Starting ffmpeg capture", "command", d.cfg.Command, "args", strings.Join(args, " "))

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.DeviceUnavailable, "failed to create capture pipe", err)
	}

	var stderr bytes.Buffer
	cmd := exec.Command(d.cfg.Command, args...)
	cmd.Stdout = pw
	cmd.Stderr = io.MultiWriter(&stderr, d.logWriter)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, apperr.Wrap(apperr.DeviceUnavailable, "ffmpeg is not installed", err)
		}
		return nil, apperr.Wrap(apperr.DeviceUnavailable, "failed to start ffmpeg", err)
	}
	pw.Close()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	timer := time.NewTimer(startupGrace)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		pr.Close()
		return nil, classifyStartFailure(err, stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		pr.Close()
		return nil, apperr.Wrap(apperr.DeviceUnavailable, "capture acquisition cancelled", ctx.Err())
	case <-timer.C:
	}

	s := &ffmpegStream{
		out:     pr,
		process: cmd.Process,
		waitErr: waitErr,
		stderr:  &stderr,
	}
	s.handle = resource.NewHandle("ffmpeg-capture", s.stop)

	slog.Info("Microphone acquired", "device", d.cfg.Device, "mime_type", spec.MimeType)
	return s, nil
}

func (d *FFmpegDevice) buildArgs(spec StreamSpec) ([]string, error) {
	codec, container, err := encoderFor(spec.MimeType)
	if err != nil {
		return nil, err
	}

	input := d.cfg.Device
	if spec.Constraints.EchoCancellation && input == "default" && d.cfg.InputFormat == "pulse" {
		input = echoCancelSource
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.cfg.InputFormat,
		"-i", input,
		"-ac", strconv.Itoa(d.cfg.Channels),
		"-ar", strconv.Itoa(d.cfg.SampleRate),
	}

	var filters []string
	if spec.Constraints.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if spec.Constraints.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	args = append(args, "-c:a", codec, "-flush_packets", "1", "-f", container, "-")
	return args, nil
}

func encoderFor(mimeType string) (codec string, container string, err error) {
	switch ExtensionFor(mimeType) {
	case ".webm":
		return "libopus", "webm", nil
	case ".ogg":
		return "libopus", "ogg", nil
	case ".wav":
		return "pcm_s16le", "wav", nil
	case ".mp3":
		return "libmp3lame", "mp3", nil
	default:
		return "", "", fmt.Errorf("no encoder for mime type %q", mimeType)
	}
}

func classifyStartFailure(waitErr error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "access denied") || strings.Contains(lower, "not authorized") {
		return apperr.Wrap(apperr.PermissionDenied, "microphone access was denied", errors.New(detail))
	}
	if waitErr == nil {
		waitErr = errors.New("ffmpeg exited before capture started")
	}
	if detail != "" {
		waitErr = fmt.Errorf("%w: %s", waitErr, detail)
	}
	return apperr.Wrap(apperr.DeviceUnavailable, "microphone could not be opened", waitErr)
}

type ffmpegStream struct {
	out     *os.File
	process *os.Process
	waitErr <-chan error
	stderr  *bytes.Buffer
	handle  *resource.Handle

	closeOnce sync.Once
}

// Read drains ffmpeg's stdout. The read end is closed once it reports EOF or
// an error, after which the stream holds no file descriptors.
func (s *ffmpegStream) Read(p []byte) (int, error) {
	n, err := s.out.Read(p)
	if err != nil {
		s.closeOnce.Do(func() { _ = s.out.Close() })
		if errors.Is(err, os.ErrClosed) {
			err = io.EOF
		}
	}
	return n, err
}

func (s *ffmpegStream) Release() error {
	return s.handle.Release()
}

// stop interrupts ffmpeg so it flushes the container trailer, then kills it
// if it does not exit in time.
func (s *ffmpegStream) stop() error {
	_ = s.process.Signal(os.Interrupt)

	var err error
	select {
	case werr, ok := <-s.waitErr:
		if ok {
			err = normalizeExitErr(werr)
		}
	case <-time.After(stopGrace):
		_ = s.process.Kill()
		if werr, ok := <-s.waitErr; ok {
			err = normalizeExitErr(werr)
		}
	}

	slog.Debug("Microphone released")
	return err
}

func normalizeExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
