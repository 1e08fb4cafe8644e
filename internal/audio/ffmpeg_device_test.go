package audio

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
)

func TestBuildArgs_ConstraintsMapToFilters(t *testing.T) {
	d := NewFFmpegDevice(DeviceConfig{}, nil)

	args, err := d.buildArgs(StreamSpec{
		MimeType:    "audio/webm;codecs=opus",
		Constraints: Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true},
	})
	if err != nil {
		t.Fatalf("buildArgs failed: %v", err)
	}

	joined := strings.Join(args, " ")
	for _, want := range []string{"-f pulse -i echo-cancel-source", "-af afftdn,dynaudnorm", "-c:a libopus", "-f webm -"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected args to contain %q, got %q", want, joined)
		}
	}
}

func TestBuildArgs_ExplicitDeviceKeepsName(t *testing.T) {
	d := NewFFmpegDevice(DeviceConfig{Device: "alsa_input.usb", SampleRate: 16000}, nil)

	args, err := d.buildArgs(StreamSpec{MimeType: "audio/wav", Constraints: Constraints{EchoCancellation: true}})
	if err != nil {
		t.Fatalf("buildArgs failed: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-i alsa_input.usb") {
		t.Errorf("Expected explicit device, got %q", joined)
	}
	if strings.Contains(joined, "-af") {
		t.Errorf("Expected no filter chain, got %q", joined)
	}
	if !strings.Contains(joined, "-ar 16000") || !strings.Contains(joined, "-c:a pcm_s16le") {
		t.Errorf("Unexpected encoding args %q", joined)
	}
}

func TestBuildArgs_UnsupportedMime(t *testing.T) {
	d := NewFFmpegDevice(DeviceConfig{}, nil)
	if _, err := d.buildArgs(StreamSpec{MimeType: "video/mp4"}); err == nil {
		t.Error("Expected error for unsupported mime type")
	}
}

func TestClassifyStartFailure(t *testing.T) {
	err := classifyStartFailure(errors.New("exit status 1"), "default: Permission denied\n")
	if apperr.KindOf(err) != apperr.PermissionDenied {
		t.Errorf("Expected PermissionDenied, got %v", err)
	}

	err = classifyStartFailure(errors.New("exit status 1"), "No such device")
	if apperr.KindOf(err) != apperr.DeviceUnavailable {
		t.Errorf("Expected DeviceUnavailable, got %v", err)
	}
}

func TestAcquire_MissingBinary(t *testing.T) {
	d := NewFFmpegDevice(DeviceConfig{Command: "/nonexistent/ffmpeg-binary"}, nil)

	_, err := d.Acquire(context.Background(), StreamSpec{MimeType: "audio/webm"})
	if apperr.KindOf(err) != apperr.DeviceUnavailable {
		t.Errorf("Expected DeviceUnavailable, got %v", err)
	}
}

func TestExtensionAndMimeHelpers(t *testing.T) {
	cases := map[string]string{
		"audio/webm":             ".webm",
		"audio/webm;codecs=opus": ".webm",
		"audio/wav":              ".wav",
		"audio/mpeg":             ".mp3",
		"text/plain":             ".bin",
	}
	for mime, ext := range cases {
		if got := ExtensionFor(mime); got != ext {
			t.Errorf("ExtensionFor(%q) = %q, want %q", mime, got, ext)
		}
	}
	if got := MimeTypeFor("answer.OGG"); got != "audio/ogg" {
		t.Errorf("MimeTypeFor = %q", got)
	}
}
