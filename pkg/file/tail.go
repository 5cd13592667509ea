package file

import (
	"os"
	"strings"
)

// TailLines returns up to maxLines trailing lines of the file at path.
// A missing or empty file yields an empty string.
func TailLines(path string, maxLines int) string {
	if maxLines <= 0 {
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return ""
	}

	lines := strings.Split(content, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
