package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quietfold/reportgate/internal/model"
)

const defaultSessionDuration = 24 * time.Hour

// gateFile is the YAML shape of the gate definition.
type gateFile struct {
	Hostname        string         `yaml:"hostname"`
	Origin          string         `yaml:"origin"`
	PagesProject    string         `yaml:"pages_project"`
	SessionDuration string         `yaml:"session_duration"`
	AllowedEmails   []string       `yaml:"allowed_emails"`
	Generator       *generatorFile `yaml:"generator"`
}

type generatorFile struct {
	Container string `yaml:"container"`
	MaxAge    string `yaml:"max_age"`
}

// LoadGate reads and validates the gate definition file.
func LoadGate(path string) (model.GateSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.GateSpec{}, fmt.Errorf("read gate definition: %w", err)
	}
	return parseGate(data)
}

func parseGate(data []byte) (model.GateSpec, error) {
	var file gateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return model.GateSpec{}, fmt.Errorf("parse gate definition: %w", err)
	}

	hostname := normalizeHostname(file.Hostname)
	if hostname == "" {
		return model.GateSpec{}, fmt.Errorf("gate definition: hostname is required")
	}
	origin := normalizeHostname(file.Origin)
	if origin == "" {
		return model.GateSpec{}, fmt.Errorf("gate definition: origin is required")
	}

	session := defaultSessionDuration
	if raw := strings.TrimSpace(file.SessionDuration); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return model.GateSpec{}, fmt.Errorf("gate definition: invalid session_duration: %w", err)
		}
		if parsed <= 0 {
			return model.GateSpec{}, fmt.Errorf("gate definition: session_duration must be positive")
		}
		session = parsed
	}

	emails, err := normalizeEmails(file.AllowedEmails)
	if err != nil {
		return model.GateSpec{}, err
	}
	if len(emails) == 0 {
		return model.GateSpec{}, fmt.Errorf("gate definition: allowed_emails must list at least one address")
	}

	var generator *model.GeneratorSpec
	if file.Generator != nil {
		container := strings.TrimSpace(file.Generator.Container)
		if container == "" {
			return model.GateSpec{}, fmt.Errorf("gate definition: generator.container is required when generator is set")
		}
		maxAge := 26 * time.Hour
		if strings.TrimSpace(file.Generator.MaxAge) != "" {
			maxAge, err = time.ParseDuration(strings.TrimSpace(file.Generator.MaxAge))
			if err != nil {
				return model.GateSpec{}, fmt.Errorf("gate definition: invalid generator.max_age: %w", err)
			}
		}
		generator = &model.GeneratorSpec{Container: container, MaxAge: maxAge}
	}

	return model.GateSpec{
		Hostname:        hostname,
		Origin:          origin,
		PagesProject:    strings.TrimSpace(file.PagesProject),
		SessionDuration: session,
		AllowedEmails:   emails,
		Generator:       generator,
	}, nil
}

func normalizeHostname(value string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(value), "."))
}

func normalizeEmails(values []string) ([]string, error) {
	seen := map[string]struct{}{}
	emails := make([]string, 0, len(values))
	for _, value := range values {
		email := strings.ToLower(strings.TrimSpace(value))
		if email == "" {
			continue
		}
		at := strings.Index(email, "@")
		if at <= 0 || at == len(email)-1 {
			return nil, fmt.Errorf("gate definition: invalid email %q", value)
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails, nil
}
