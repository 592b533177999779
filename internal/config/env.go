package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ParseEnv parses a flat KEY=VALUE environment file into a map.
// Blank lines and lines starting with '#' are skipped. Values may be
// wrapped in single or double quotes, which are stripped. Lines without
// an '=' are ignored rather than rejected, matching how the deployment
// scripts have always read these files.
func ParseEnv(data []byte) map[string]string {
	vars := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = unquote(value)

		if key != "" {
			vars[key] = value
		}
	}

	return vars
}

// ReadEnvFile reads and parses an environment file from disk.
func ReadEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return ParseEnv(data), nil
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return fallback
	}
}
