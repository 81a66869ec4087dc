package config

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestGenerateChecksumsDryRun(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "Configuration.json"), "[]")

	report, err := GenerateChecksums(tmpDir, []string{"Configuration.json", "ConfigurationBroker.json"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Exists || !regexp.MustCompile(`^[a-f0-9]{64}$`).MatchString(report.Files[0].Hash) {
		t.Fatalf("Configuration.json should exist with computed hash, got %+v", report.Files[0])
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("ConfigurationBroker.json should be reported as missing without hash")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestGenerateChecksumsWritesAndVerifies(t *testing.T) {
	tmpDir := t.TempDir()
	files := []string{"Configuration.json", "ConfigurationBroker.json"}
	writeFile(t, filepath.Join(tmpDir, files[0]), "[]")
	writeFile(t, filepath.Join(tmpDir, files[1]), `{"broker":"localhost","port":1883}`)

	report, err := GenerateChecksums(tmpDir, files, false)
	if err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}
	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	info, err := os.Stat(report.ChecksumPath)
	if err != nil {
		t.Fatalf(".checksums missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf(".checksums perm = %v, want 0600", info.Mode().Perm())
	}

	manifest, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums: %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("expected 2 hashes, got %v", manifest.Hashes)
	}
	if err := VerifyFiles(tmpDir, manifest, files); err != nil {
		t.Fatalf("VerifyFiles: %v", err)
	}

	writeFile(t, filepath.Join(tmpDir, files[1]), `{"broker":"evil","port":1883}`)
	if err := VerifyFiles(tmpDir, manifest, files); err == nil {
		t.Fatal("expected hash mismatch")
	}

	if err := os.Remove(filepath.Join(tmpDir, files[0])); err != nil {
		t.Fatal(err)
	}
	if err := VerifyFiles(tmpDir, manifest, files[:1]); err == nil {
		t.Fatal("expected error for file removed after lock")
	}
}

func TestVerifyFilesUnlistedFile(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "new.json"), "[]")

	manifest := &ChecksumManifest{Version: 1, Hashes: map[string]string{}}
	if err := VerifyFiles(tmpDir, manifest, []string{"new.json"}); err == nil {
		t.Fatal("expected error for file without hash")
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if !errors.Is(err, ErrNoChecksums) {
		t.Fatalf("expected ErrNoChecksums, got %v", err)
	}
}

func TestLoadChecksumsBadVersion(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, ChecksumFile), "version: 2\nhashes: {}\n")
	if _, err := LoadChecksums(tmpDir); err == nil {
		t.Fatal("expected unsupported version error")
	}
}
