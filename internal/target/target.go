// Package target resolves the child MCP server executable for the STDIO
// proxy before the pipes are wired up, so a missing binary fails with a
// clear message instead of deep inside process startup.
package target

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Resolve locates name on PATH and returns its absolute path. A name that
// already carries a path separator is resolved relative to the working
// directory instead of searched.
func Resolve(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		abs, err := filepath.Abs(name)
		if err != nil {
			return "", fmt.Errorf("resolve target %q: %w", name, err)
		}
		if _, err := exec.LookPath(abs); err != nil {
			return "", fmt.Errorf("target %q is not executable: %w", name, err)
		}
		return abs, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("target %q not found on PATH: %w", name, err)
	}
	return path, nil
}
