package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// QuarantineDir is where unreadable files are moved, relative to the
// gatekeeper directory.
const QuarantineDir = "quarantine"

// Quarantine moves filePath under dir/quarantine and returns its new path.
func Quarantine(dir, filePath string) (string, error) {
	quarantineDir := filepath.Join(dir, QuarantineDir)
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000000000"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores it from its backup
// or, failing that, writes an empty document of fileType.
func RecoverCorruptedFile(dir, filePath, fileType string) error {
	if _, err := Quarantine(dir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err == nil {
		return nil
	}

	content, err := yamlv3.Marshal(map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      fileType,
	})
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	return nil
}
