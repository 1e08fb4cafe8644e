package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/backend"
	"github.com/audiolibrelab/speakcheck/internal/capture"
	"github.com/audiolibrelab/speakcheck/internal/play"
)

const (
	envPrefix = "SPEAKCHECK"

	ModeInterview      = "interview"
	ModeConversational = "conversational"
)

type Config struct {
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Backend  BackendConfig  `mapstructure:"backend" yaml:"backend"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`

	// Profile is the profile merged over the base, empty when none applies.
	Profile string `mapstructure:"-" yaml:"-"`
	// Overrides lists the dotted keys the profile set, for `config show`.
	Overrides []string `mapstructure:"-" yaml:"-"`
}

type CaptureConfig struct {
	MaxDurationSeconds int    `mapstructure:"max_duration_seconds" yaml:"max_duration_seconds" validate:"gt=0"`
	MimeType           string `mapstructure:"mime_type" yaml:"mime_type" validate:"required,oneof=audio/webm audio/ogg audio/wav audio/mpeg"`
	EchoCancellation   bool   `mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression   bool   `mapstructure:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl    bool   `mapstructure:"auto_gain_control" yaml:"auto_gain_control"`
	Device             string `mapstructure:"device" yaml:"device" validate:"required"`
	InputFormat        string `mapstructure:"input_format" yaml:"input_format" validate:"required"`
	Command            string `mapstructure:"command" yaml:"command" validate:"required"`
	SourcesCommand     string `mapstructure:"sources_command" yaml:"sources_command" validate:"required"`
	SampleRate         int    `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gt=0"`
	Channels           int    `mapstructure:"channels" yaml:"channels" validate:"min=1,max=2"`
}

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	Mode    string        `mapstructure:"mode" yaml:"mode" validate:"oneof=interview conversational"`
	UserID  string        `mapstructure:"user_id" yaml:"user_id"`
}

type PlaybackConfig struct {
	Command          string        `mapstructure:"command" yaml:"command"`
	DurationCommand  string        `mapstructure:"duration_command" yaml:"duration_command"`
	PositionInterval time.Duration `mapstructure:"position_interval" yaml:"position_interval" validate:"gt=0"`
}

type StorageConfig struct {
	// Path of the sqlite history database; empty disables history.
	Path string `mapstructure:"path" yaml:"path"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port" validate:"required,numeric"`
}

var defaults = map[string]any{
	"capture.max_duration_seconds": 120,
	"capture.mime_type":            "audio/webm",
	"capture.echo_cancellation":    true,
	"capture.noise_suppression":    true,
	"capture.auto_gain_control":    true,
	"capture.device":               "default",
	"capture.input_format":         "pulse",
	"capture.command":              "ffmpeg",
	"capture.sources_command":      "pactl",
	"capture.sample_rate":          48000,
	"capture.channels":             1,
	"backend.base_url":             "",
	"backend.token":                "",
	"backend.timeout":              "60s",
	"backend.mode":                 ModeInterview,
	"backend.user_id":              "",
	"playback.command":             "",
	"playback.duration_command":    "ffprobe",
	"playback.position_interval":   "250ms",
	"storage.path":                 "",
	"server.port":                  "8080",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report failures with the config keys users write, not Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DefaultPath returns $HOME/.config/speakcheck.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "speakcheck.yaml"
	}
	return filepath.Join(home, ".config", "speakcheck.yaml")
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile (defaults and environment only when empty), merges
// the selected profile over the base and validates the result. profile
// overrides the file's active_profile.
func Load(configFile, profile string) (*Config, error) {
	v := newViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	name := profile
	if name == "" {
		name = v.GetString("active_profile")
	}

	var overrides []string
	if name != "" {
		section, err := profileSection(v, name)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(section); err != nil {
			return nil, fmt.Errorf("error applying configuration profile '%s': %w", name, err)
		}
		overrides = flattenKeys("", section)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Profile = name
	cfg.Overrides = overrides
	cfg.Storage.Path = expandPath(cfg.Storage.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func profileSection(v *viper.Viper, name string) (map[string]any, error) {
	profiles := v.GetStringMap("profiles")
	raw, exists := profiles[name]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", name)
	}
	if raw == nil {
		return map[string]any{}, nil
	}
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("configuration profile '%s' must be a mapping", name)
	}
	return section, nil
}

func flattenKeys(prefix string, m map[string]any) []string {
	var keys []string
	for k, v := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := v.(map[string]any); ok {
			keys = append(keys, flattenKeys(key, nested)...)
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Validate checks every field against its constraints and reports all
// violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.capture.mime_type"; drop the struct name.
	key := fe.Namespace()
	if i := strings.Index(key, "."); i >= 0 {
		key = key[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", key)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", key, fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s must be a URL, got %v", key, fe.Value())
	case "numeric":
		return fmt.Sprintf("%s must be numeric, got %v", key, fe.Value())
	default:
		return fmt.Sprintf("%s must satisfy %s=%s, got %v", key, fe.Tag(), fe.Param(), fe.Value())
	}
}

// UpdateActiveProfile updates the active_profile field in the config file.
func UpdateActiveProfile(configFile, newActiveProfile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the loaded one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	if newActiveProfile != "" {
		if _, err := profileSection(v, newActiveProfile); err != nil {
			return err
		}
	}

	v.Set("active_profile", newActiveProfile)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// Profiles returns the profile names in configFile and the active one.
func Profiles(configFile string) (names []string, active string, err error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	for name := range v.GetStringMap("profiles") {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, v.GetString("active_profile"), nil
}

// YAML renders the resolved configuration with the token redacted.
func (c *Config) YAML() ([]byte, error) {
	shown := *c
	if shown.Backend.Token != "" {
		shown.Backend.Token = "********"
	}
	out, err := yaml.Marshal(&shown)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return out, nil
}

func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		MaxDurationSeconds: c.Capture.MaxDurationSeconds,
		MimeType:           c.Capture.MimeType,
		Constraints: audio.Constraints{
			EchoCancellation: c.Capture.EchoCancellation,
			NoiseSuppression: c.Capture.NoiseSuppression,
			AutoGainControl:  c.Capture.AutoGainControl,
		},
	}
}

func (c *Config) DeviceConfig() audio.DeviceConfig {
	return audio.DeviceConfig{
		Command:     c.Capture.Command,
		InputFormat: c.Capture.InputFormat,
		Device:      c.Capture.Device,
		SampleRate:  c.Capture.SampleRate,
		Channels:    c.Capture.Channels,
	}
}

func (c *Config) BackendConfig() backend.Config {
	return backend.Config{
		BaseURL: c.Backend.BaseURL,
		Token:   c.Backend.Token,
		Timeout: c.Backend.Timeout,
		UserID:  c.Backend.UserID,
	}
}

func (c *Config) EngineConfig() play.EngineConfig {
	return play.EngineConfig{
		Command:         c.Playback.Command,
		DurationCommand: c.Playback.DurationCommand,
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
