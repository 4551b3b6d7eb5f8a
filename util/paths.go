package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("MDOC_BLE_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mdoc-ble-data")
	}
	return filepath.Join(home, ".mdoc-ble-data")
}

// GetTranscriptDir returns the directory session transcripts are saved to,
// creating it if needed
func GetTranscriptDir() (string, error) {
	dir := filepath.Join(GetDataDir(), "transcripts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
