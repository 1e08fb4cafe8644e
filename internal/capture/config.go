package capture

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/audiolibrelab/speakcheck/internal/audio"
)

var validate = validator.New()

// Config is the immutable configuration of one capture session.
type Config struct {
	MaxDurationSeconds int               `json:"max_duration_seconds" validate:"gt=0"`
	MimeType           string            `json:"mime_type" validate:"required,oneof=audio/webm audio/ogg audio/wav audio/mpeg"`
	Constraints        audio.Constraints `json:"constraints"`
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid capture configuration: %w", err)
	}
	return nil
}

func (c Config) streamSpec() audio.StreamSpec {
	return audio.StreamSpec{MimeType: c.MimeType, Constraints: c.Constraints}
}
