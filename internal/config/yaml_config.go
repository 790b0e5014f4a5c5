package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// configKeyKind classifies a Config field's viper key for SetConfigValue, so
// a typo in the key name or a malformed value fails "config set" with a
// clear error instead of silently writing an unparseable line that Load's
// viper.GetInt/GetString would then mis-resolve at the next session Open.
type configKeyKind int

const (
	kindString configKeyKind = iota
	kindInt
	kindDuration
)

// configKeys mirrors Config's own viper keys (config.go's v.SetDefault
// calls) — the only keys "config set" is allowed to touch, since this file
// edits config.yaml directly rather than going through viper.
var configKeys = map[string]configKeyKind{
	"max_tasks":           kindInt,
	"parallelism":         kindInt,
	"log_level":           kindString,
	"convergence_timeout": kindDuration,
	"nats_url":            kindString,
	"nats_subject":        kindString,
}

// SetConfigValue sets a single key in the project's config.yaml file,
// in place, preserving every other line (including comments and a
// previously commented-out version of the same key). It is used by
// corectl's "config set" subcommand to persist an override without forcing
// the whole file through a marshal/unmarshal round trip that would drop
// comments.
func SetConfigValue(key, value string) error {
	kind, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("config: unknown key %q (must be one of max_tasks, parallelism, log_level, convergence_timeout, nats_url, nats_subject)", key)
	}
	formatted, err := formatYamlValue(kind, value)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}

	configPath, err := findProjectConfigYaml()
	if err != nil {
		return err
	}

	content, err := os.ReadFile(configPath) //nolint:gosec // configPath is from findProjectConfigYaml
	if err != nil {
		return fmt.Errorf("config: read %s: %w", configPath, err)
	}

	newContent := updateYamlKey(string(content), key, formatted)

	if err := os.WriteFile(configPath, []byte(newContent), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", configPath, err)
	}
	return nil
}

// findProjectConfigYaml walks up from the working directory looking for
// .taskcore/config.yaml, the file "config set" edits. Load reads a config
// file only from the configPath it is given, so this file is read back only
// when that path (corectl's --config) points at it.
func findProjectConfigYaml() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("config: getwd: %w", err)
	}

	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		configPath := filepath.Join(dir, ".taskcore", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}
	return "", fmt.Errorf("config: no .taskcore/config.yaml found above %s", cwd)
}

// updateYamlKey updates key in yaml content in place, uncommenting it if it
// was previously commented out, or appends it at the end if absent. Only one
// line is ever rewritten: an already-active `key:` mapping is preferred over
// a commented-out one, and every other line matching the key pattern (e.g. a
// stray commented example left further down the file) is passed through
// unchanged, so "config set" never leaves two active mappings for the same
// key. value must already be a valid YAML scalar (see formatYamlValue).
func updateYamlKey(content, key, value string) string {
	newLine := fmt.Sprintf("%s: %s", key, value)
	keyPattern := regexp.MustCompile(`^(\s*)(#\s*)?` + regexp.QuoteMeta(key) + `\s*:`)

	lines := strings.Split(content, "\n")

	target := -1
	for i, line := range lines {
		if !keyPattern.MatchString(line) {
			continue
		}
		if target == -1 {
			target = i
		}
		matches := keyPattern.FindStringSubmatch(line)
		if len(matches) > 2 && matches[2] == "" {
			// An already-active mapping always wins over an earlier
			// commented-out one.
			target = i
			break
		}
	}

	if target == -1 {
		if len(lines) > 0 && lines[len(lines)-1] != "" {
			lines = append(lines, "")
		}
		return strings.Join(append(lines, newLine), "\n")
	}

	indent := ""
	if matches := keyPattern.FindStringSubmatch(lines[target]); len(matches) > 1 {
		indent = matches[1]
	}
	lines[target] = indent + newLine
	return strings.Join(lines, "\n")
}

// formatYamlValue validates value against kind (matching how config.go's
// viper.Get{Int,String} / time.ParseDuration would read it back) and
// formats it as a YAML scalar. An int or duration that fails to parse is
// rejected here rather than written to disk and only discovered broken the
// next time a session tries to Open.
func formatYamlValue(kind configKeyKind, value string) (string, error) {
	switch kind {
	case kindInt:
		if _, err := strconv.Atoi(value); err != nil {
			return "", fmt.Errorf("not an integer: %q", value)
		}
		return value, nil
	case kindDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return "", fmt.Errorf("not a duration: %w", err)
		}
		return value, nil
	default:
		if needsQuoting(value) {
			return fmt.Sprintf("%q", value), nil
		}
		return value, nil
	}
}

// needsQuoting reports whether a plain string value needs a YAML quoted
// scalar to round-trip unambiguously — relevant here for nats_url (contains
// "://") and log_level/nats_subject values with leading/trailing space.
func needsQuoting(s string) bool {
	special := []string{":", "#", "[", "]", "{", "}", ",", "&", "*", "!", "|", ">", "'", "\"", "%", "@", "`"}
	for _, c := range special {
		if strings.Contains(s, c) {
			return true
		}
	}
	return strings.TrimSpace(s) != s
}
