package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest written next to the service config by `config lock`.
const ChecksumFile = ".checksums"

// ErrNoChecksums is returned by LoadChecksums when no manifest exists.
var ErrNoChecksums = errors.New("checksums file not found (run 'topicexec config lock')")

// ChecksumManifest maps config file names (relative to the config dir) to BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashFileResult captures checksum generation outcome for one file.
type HashFileResult struct {
	Filename string
	Path     string
	Exists   bool
	Hash     string
}

// HashReport captures checksum generation details for a config directory.
type HashReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []HashFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// GenerateChecksums computes hashes for files and, unless dryRun, writes .checksums.
// Missing files are reported and left out of the manifest.
func GenerateChecksums(configDir string, files []string, dryRun bool) (*HashReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	report := &HashReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFile),
		Files:        make([]HashFileResult, 0, len(files)),
	}

	for _, filename := range files {
		filePath := filepath.Join(configDir, filename)

		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			report.Files = append(report.Files, HashFileResult{Filename: filename, Path: filePath})
			continue
		}

		hash, err := ComputeBlake3Hash(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", filename, err)
		}
		manifest.Hashes[filename] = hash
		report.Files = append(report.Files, HashFileResult{
			Filename: filename,
			Path:     filePath,
			Exists:   true,
			Hash:     hash,
		})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// Restrictive permissions: the manifest holds the expected hashes.
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyFiles checks every file against the manifest. A file present on disk must
// have a matching hash; a file in the manifest must still exist.
func VerifyFiles(configDir string, manifest *ChecksumManifest, files []string) error {
	for _, filename := range files {
		filePath := filepath.Join(configDir, filename)

		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			if _, hasHash := manifest.Hashes[filename]; hasHash {
				return fmt.Errorf("config file %s is in checksums but missing from disk", filename)
			}
			continue
		}

		expected, ok := manifest.Hashes[filename]
		if !ok {
			return fmt.Errorf("config file %s has no hash in checksums (run 'topicexec config lock')", filename)
		}

		actual, err := ComputeBlake3Hash(filePath)
		if err != nil {
			return fmt.Errorf("failed to compute hash: %w", err)
		}
		if actual != expected {
			return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
				"If you edited this file intentionally, run: topicexec config lock",
				filename, expected, actual)
		}
	}
	return nil
}
