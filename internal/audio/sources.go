package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Source is one PulseAudio/PipeWire input source as reported by pactl.
type Source struct {
	Index   string `json:"index"`
	Name    string `json:"name"`
	Driver  string `json:"driver"`
	Spec    string `json:"spec"`
	State   string `json:"state"`
	Monitor bool   `json:"monitor"`
}

// Sources lists capture sources through pactl.
type Sources struct {
	command string
}

func NewSources(command string) *Sources {
	if command == "" {
		command = "pactl"
	}
	return &Sources{command: command}
}

// List returns every source known to the sound server, monitors included.
func (s *Sources) List() ([]Source, error) {
	cmd := exec.Command(s.command, "list", "short", "sources")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list audio sources: %w", err)
	}
	return parseSources(string(output)), nil
}

// Validate checks that a source exists and is not ambiguous.
func (s *Sources) Validate(name string) error {
	if name == "" || name == "default" || name == echoCancelSource {
		return nil
	}

	sources, err := s.List()
	if err != nil {
		slog.Debug("Failed to check source existence", "source", name, "error", err)
		return err
	}
	return validateSourceInList(name, sources)
}

func parseSources(output string) []Source {
	var sources []Source
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		src := Source{Index: fields[0], Name: fields[1]}
		if len(fields) > 2 {
			src.Driver = fields[2]
		}
		if len(fields) > 3 {
			src.Spec = fields[3]
		}
		if len(fields) > 4 {
			src.State = fields[4]
		}
		src.Monitor = strings.HasSuffix(src.Name, ".monitor")
		sources = append(sources, src)
	}
	return sources
}

func validateSourceInList(name string, sources []Source) error {
	duplicates := findSourceDuplicates(name, sources)
	if len(duplicates) == 0 {
		return fmt.Errorf("source not found: %s", name)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s' (indexes %s). Please close conflicting applications", name, strings.Join(duplicates, ", "))
	}
	return nil
}

// findSourceDuplicates returns the indexes of every source with exactly this name.
func findSourceDuplicates(name string, sources []Source) []string {
	var indexes []string
	for _, src := range sources {
		if src.Name == name {
			indexes = append(indexes, src.Index)
		}
	}
	return indexes
}
