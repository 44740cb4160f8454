/*
File Name:  Sanitize.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package sanitize

import (
	"path"
	"strings"
)

const PATH_MAX_LENGTH = 32767 // Windows Maximum Path Length for UNC paths

// PathDirectory sanitizes a directory path (without filename).
func PathDirectory(directory string) string {
	// Enforce forward slashes as directory separator and clean the path.
	directory = strings.ReplaceAll(directory, "\\", "/")
	directory = path.Clean(directory)

	// No slash at the beginning and end.
	directory = strings.Trim(directory, "/")

	if len(directory) > PATH_MAX_LENGTH {
		directory = directory[:PATH_MAX_LENGTH]
	}

	return directory
}

// PathFile sanitizes a published file name before it is joined with a local
// destination directory. Remote peers choose the name; it must never escape
// the directory it is written into.
func PathFile(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = path.Base(path.Clean(filename))

	if filename == "/" || filename == "." || filename == ".." {
		filename = "_"
	}

	if len(filename) > PATH_MAX_LENGTH {
		filename = filename[:PATH_MAX_LENGTH]
	}

	return filename
}
