package play

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Voice is one opened playback of a location.
//
// Ended is closed when playback reaches the end on its own or the voice is
// closed. Close is idempotent.
type Voice interface {
	Play() error
	Pause() error
	Seek(seconds float64) error
	Position() float64
	Duration() float64
	Ended() <-chan struct{}
	Close() error
}

// Engine opens voices for a file path or URL.
type Engine interface {
	Open(ctx context.Context, location string) (Voice, error)
}

type EngineConfig struct {
	// Command is the player binary. Empty picks the first one found on PATH.
	Command string
	// DurationCommand reads duration metadata. Empty disables the lookup.
	DurationCommand string
	LogWriter       io.Writer
}

// ProcessEngine plays through an external player process. Pause and seek
// restart the player at the new offset.
type ProcessEngine struct {
	cfg EngineConfig

	mu     sync.Mutex
	player string
}

func NewProcessEngine(cfg EngineConfig) *ProcessEngine {
	return &ProcessEngine{cfg: cfg}
}

func (e *ProcessEngine) Open(ctx context.Context, location string) (Voice, error) {
	player, err := e.resolvePlayer()
	if err != nil {
		return nil, fmt.Errorf("no suitable audio player found: %w", err)
	}

	duration := 0.0
	if e.cfg.DurationCommand != "" {
		duration, err = readDuration(ctx, e.cfg.DurationCommand, location)
		if err != nil {
			slog.Debug("Duration lookup failed", "location", location, "error", err)
		}
	}

	return &processVoice{
		player:    player,
		location:  location,
		logWriter: e.cfg.LogWriter,
		duration:  duration,
		now:       time.Now,
		ended:     make(chan struct{}),
	}, nil
}

func (e *ProcessEngine) resolvePlayer() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.player != "" {
		return e.player, nil
	}
	if e.cfg.Command != "" {
		if _, err := exec.LookPath(e.cfg.Command); err != nil {
			return "", fmt.Errorf("player %s not found: %w", e.cfg.Command, err)
		}
		e.player = e.cfg.Command
		return e.player, nil
	}
	player, err := findAudioPlayer()
	if err != nil {
		return "", err
	}
	e.player = player
	return player, nil
}

// Players that can start at an offset, in order of preference.
var seekablePlayers = []string{"ffplay", "mpv", "vlc"}

func findAudioPlayer() (string, error) {
	for _, player := range seekablePlayers {
		if _, err := exec.LookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(seekablePlayers, ", "))
}

func playerArgs(player, location string, offset float64) []string {
	start := strconv.FormatFloat(offset, 'f', 3, 64)
	switch playerName(player) {
	case "mpv":
		return []string{"--no-video", "--really-quiet", "--start=" + start, location}
	case "vlc", "cvlc":
		return []string{"--intf", "dummy", "--play-and-exit", "--start-time=" + start, location}
	default:
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", "-ss", start, location}
	}
}

func playerName(player string) string {
	if i := strings.LastIndexAny(player, `/\`); i >= 0 {
		player = player[i+1:]
	}
	return strings.TrimSuffix(player, ".exe")
}

func readDuration(ctx context.Context, command, location string) (float64, error) {
	out, err := exec.CommandContext(ctx, command,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		location,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w", command, err)
	}
	return parseDuration(string(out))
}

func parseDuration(out string) (float64, error) {
	s := strings.TrimSpace(out)
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("duration unknown")
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

type processVoice struct {
	player    string
	location  string
	logWriter io.Writer
	duration  float64
	now       func() time.Time

	mu        sync.Mutex
	cmd       *exec.Cmd
	run       uint64
	offset    float64
	startedAt time.Time
	playing   bool
	closed    bool

	ended   chan struct{}
	endOnce sync.Once
}

func (v *processVoice) Play() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("voice closed")
	}
	if v.playing {
		return nil
	}
	return v.startLocked()
}

func (v *processVoice) startLocked() error {
	cmd := exec.Command(v.player, playerArgs(v.player, v.location, v.offset)...)
	if v.logWriter != nil {
		cmd.Stdout = v.logWriter
		cmd.Stderr = v.logWriter
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", v.player, err)
	}

	v.run++
	v.cmd = cmd
	v.startedAt = v.now()
	v.playing = true
	go v.wait(cmd, v.run)
	return nil
}

func (v *processVoice) wait(cmd *exec.Cmd, run uint64) {
	err := cmd.Wait()

	v.mu.Lock()
	if run != v.run {
		// Stopped by pause, seek or close.
		v.mu.Unlock()
		return
	}
	v.playing = false
	v.cmd = nil
	v.offset = 0
	v.mu.Unlock()

	if err != nil {
		slog.Debug("Player exited with error", "player", v.player, "error", err)
	}
	v.endOnce.Do(func() { close(v.ended) })
}

func (v *processVoice) stopLocked() {
	v.run++
	if v.cmd != nil && v.cmd.Process != nil {
		_ = v.cmd.Process.Kill()
	}
	v.cmd = nil
	v.playing = false
}

func (v *processVoice) Pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.playing {
		return nil
	}
	v.offset = v.positionLocked()
	v.stopLocked()
	return nil
}

func (v *processVoice) Seek(seconds float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("voice closed")
	}
	if seconds < 0 {
		seconds = 0
	}
	if v.duration > 0 && seconds > v.duration {
		seconds = v.duration
	}

	wasPlaying := v.playing
	if wasPlaying {
		v.stopLocked()
	}
	v.offset = seconds
	if wasPlaying {
		return v.startLocked()
	}
	return nil
}

func (v *processVoice) Position() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked()
}

func (v *processVoice) positionLocked() float64 {
	if !v.playing {
		return v.offset
	}
	pos := v.offset + v.now().Sub(v.startedAt).Seconds()
	if v.duration > 0 && pos > v.duration {
		pos = v.duration
	}
	return pos
}

func (v *processVoice) Duration() float64 { return v.duration }

func (v *processVoice) Ended() <-chan struct{} { return v.ended }

func (v *processVoice) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	if v.playing {
		v.stopLocked()
	}
	v.mu.Unlock()

	v.endOnce.Do(func() { close(v.ended) })
	return nil
}
