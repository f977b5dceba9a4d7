package subaru

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// Config holds the raw key=value pairs read from /etc/subaru.conf.
type Config struct {
	Values map[string]string
}

// loadConfig reads the config file and applies defaults. A missing
// file is not an error; every option has a sane default.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// mergeEnvOverrides lets SUBARU_* environment variables take
// precedence over file values.
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "SUBARU_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], "SUBARU_"))
		cfg.Values[key] = parts[1]
	}
}

func applyDefaults(cfg *Config) {
	defaults := map[string]string{
		"repositories":           "yes",
		"aur":                    "yes",
		"optimize":               "yes",
		"simple_checking":        "no",
		"sync_databases":         "yes",
		"sync_databases_startup": "yes",
		"clean_cached":           "yes",
		"multithreaded_download": "yes",
		"suggestions_limit":      "15",
	}
	for k, v := range defaults {
		if _, ok := cfg.Values[k]; !ok {
			cfg.Values[k] = v
		}
	}
}

func (c *Config) bool(key string) bool {
	switch strings.ToLower(c.Values[key]) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}

func (c *Config) int(key string, def int) int {
	if v, err := strconv.Atoi(c.Values[key]); err == nil {
		return v
	}
	return def
}

// Settings is the session configuration snapshot. It is derived once
// at the start of a top-level operation and passed explicitly into
// every resolver/orchestrator call, so a whole operation sees one
// consistent view even if the user edits the config concurrently.
type Settings struct {
	Repositories          bool
	AUR                   bool
	Optimize              bool
	SimpleChecking        bool
	SyncDatabases         bool
	SyncDatabasesStartup  bool
	CleanCached           bool
	MultithreadedDownload bool
	SuggestionsLimit      int
}

// ReadSettings loads the config file and snapshots it into a Settings
// value for one top-level operation.
func ReadSettings() (*Settings, error) {
	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		return nil, err
	}
	return &Settings{
		Repositories:          cfg.bool("repositories"),
		AUR:                   cfg.bool("aur"),
		Optimize:              cfg.bool("optimize"),
		SimpleChecking:        cfg.bool("simple_checking"),
		SyncDatabases:         cfg.bool("sync_databases"),
		SyncDatabasesStartup:  cfg.bool("sync_databases_startup"),
		CleanCached:           cfg.bool("clean_cached"),
		MultithreadedDownload: cfg.bool("multithreaded_download"),
		SuggestionsLimit:      cfg.int("suggestions_limit", 15),
	}, nil
}
