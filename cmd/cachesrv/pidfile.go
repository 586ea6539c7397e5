package main

import (
	"fmt"
	"os"
	"path/filepath"
)

func pidFilePath(dir string) string {
	return filepath.Join(dir, pidFileName)
}

func writePIDFile(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return os.WriteFile(pidFilePath(dir), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func removePIDFile(dir string) {
	_ = os.Remove(pidFilePath(dir))
}
