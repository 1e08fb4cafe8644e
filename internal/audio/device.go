package audio

import (
	"context"
	"io"
	"strings"
)

// Constraints mirror the processing switches a learner can toggle before recording.
type Constraints struct {
	EchoCancellation bool `json:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control" yaml:"auto_gain_control"`
}

// StreamSpec describes the stream a Device should open.
type StreamSpec struct {
	MimeType    string
	Constraints Constraints
}

// Stream is an exclusive, live input stream of encoded audio chunks.
//
// Release stops the underlying hardware. Data the encoder already produced
// can still be read afterwards; Read returns io.EOF once it is drained.
// Release is idempotent.
type Stream interface {
	io.Reader
	Release() error
}

// Device acquires microphone streams.
type Device interface {
	Acquire(ctx context.Context, spec StreamSpec) (Stream, error)
}

// Artifact is the recorded audio payload produced by one capture session.
type Artifact struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
}

func (a Artifact) Empty() bool { return len(a.Data) == 0 }

func (a Artifact) Size() int { return len(a.Data) }

// Extension returns a file extension (with dot) matching the mime type.
func (a Artifact) Extension() string {
	return ExtensionFor(a.MimeType)
}

// SupportedMimeTypes lists the capture encodings the ffmpeg device can produce.
var SupportedMimeTypes = []string{"audio/webm", "audio/ogg", "audio/wav", "audio/mpeg"}

func ExtensionFor(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch base {
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/x-m4a":
		return ".m4a"
	case "audio/flac":
		return ".flac"
	default:
		return ".bin"
	}
}

// MimeTypeFor guesses a mime type from a file name, used when submitting
// recordings from disk.
func MimeTypeFor(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".webm"):
		return "audio/webm"
	case strings.HasSuffix(lower, ".ogg"), strings.HasSuffix(lower, ".opus"):
		return "audio/ogg"
	case strings.HasSuffix(lower, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(lower, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(lower, ".m4a"), strings.HasSuffix(lower, ".mp4"):
		return "audio/mp4"
	case strings.HasSuffix(lower, ".flac"):
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
