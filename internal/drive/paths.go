package drive

import (
	"strconv"
	"strings"
)

// rootFolderID is the drive's root directory identifier.
const rootFolderID = "0"

func splitRemotePath(remotePath string) []string {
	trimmed := strings.Trim(remotePath, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func joinSegments(segments []string) string {
	return "/" + strings.Join(segments, "/")
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
