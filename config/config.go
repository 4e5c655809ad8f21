// Package config loads the monitor parameters document and the secret files
// referenced by it.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultEMAAlpha is used when the parameters document does not set EMA_alpha.
	DefaultEMAAlpha = 0.05

	// DefaultNodeKeyFile holds the alchemy HTTP and WSS endpoints, one per line.
	DefaultNodeKeyFile = "keys/alchemy.sec"
)

// Config is the operator-editable parameters document. The monitor reads it
// once at startup.
type Config struct {
	// DBServer selects an SSH tunnel target in "user@host[:port]" form.
	// Empty means a direct local database connection.
	DBServer string `json:"DB_SERVER"`

	// EtherscanKeyFile is the path of a single-line file holding the
	// block-explorer API key.
	EtherscanKeyFile string `json:"ETHERSCAN_KEY_FILE"`

	// EMAAlpha is the smoothing constant of the bribe-ratio EMAs, in (0, 1].
	EMAAlpha float64 `json:"EMA_alpha"`
}

// Load reads and validates the JSON parameters document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read parameters file: %w", err)
	}
	cfg := &Config{EMAAlpha: DefaultEMAAlpha}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse parameters file %s: %w", path, err)
	}
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		return nil, fmt.Errorf("EMA_alpha out of range (0, 1]: %v", cfg.EMAAlpha)
	}
	if cfg.EtherscanKeyFile == "" {
		return nil, fmt.Errorf("ETHERSCAN_KEY_FILE not set")
	}
	return cfg, nil
}

// NodeEndpoints reads the alchemy secret file: HTTP URL on the first line,
// WSS URL on the second.
func NodeEndpoints(path string) (httpURL, wssURL string, err error) {
	lines, err := readLines(expandHome(path), 2)
	if err != nil {
		return "", "", fmt.Errorf("read node key file: %w", err)
	}
	if len(lines) < 1 || lines[0] == "" {
		return "", "", fmt.Errorf("node key file %s: missing HTTP endpoint", path)
	}
	httpURL = lines[0]
	if len(lines) > 1 {
		wssURL = lines[1]
	}
	return httpURL, wssURL, nil
}

// EtherscanKey reads the single-line explorer API key file named by the
// parameters document.
func (c *Config) EtherscanKey() (string, error) {
	lines, err := readLines(expandHome(c.EtherscanKeyFile), 1)
	if err != nil {
		return "", fmt.Errorf("read etherscan key file: %w", err)
	}
	if len(lines) < 1 || lines[0] == "" {
		return "", fmt.Errorf("etherscan key file %s is empty", c.EtherscanKeyFile)
	}
	return lines[0], nil
}

func readLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for len(lines) < n && scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	return lines, scanner.Err()
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
