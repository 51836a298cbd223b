package util

import (
	"os"
	"strings"
)

// ExpandHome replaces a leading ~/ with the current user's home
// directory. Paths without the prefix, including bare ~user forms, come
// back unchanged, as does everything when the home directory is unknown.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return home + strings.TrimPrefix(path, "~")
}
