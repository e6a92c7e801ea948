package teemo

import (
	"fmt"
	"os"
)

// fileExist reports whether path exists, swallowing the distinction
// between "doesn't exist" and other stat errors the same way rain's
// utils.go does — callers here only ever need the existence check, not
// the error.
func fileExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// formatFileSize renders a byte count as a human-readable size, used only
// in verbose/diagnostic logging. Grounded in rain's utils.go
// formatFileSize, unchanged.
func formatFileSize(size int64) string {
	f := float64(size)
	switch {
	case f <= 0:
		return "0.00 B"
	case f < 1024:
		return fmt.Sprintf("%.2f B", f)
	case f < 1048576:
		return fmt.Sprintf("%.2f KiB", f/1024)
	case f < 1073741824:
		return fmt.Sprintf("%.2f MiB", f/1048576)
	case f < 1099511627776:
		return fmt.Sprintf("%.2f GiB", f/1073741824)
	default:
		return fmt.Sprintf("%.2f TiB", f/1099511627776)
	}
}
