// Package exec validates command lines before they reach a shell.
// The exec tool runs commands through /bin/sh -c, so an allow list on
// the first token is only meaningful if the rest of the line cannot
// smuggle in a second command.
package exec

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrEmpty       = errors.New("command is empty")
	ErrNullByte    = errors.New("command contains a null byte")
	ErrControlChar = errors.New("command contains control characters")
	ErrMetachar    = errors.New("command contains shell metacharacters")
	ErrBadName     = errors.New("executable name contains invalid characters")
)

// metachars are the shell operators that chain, redirect, or substitute
// commands. Spaces and quotes stay legal so ordinary arguments work.
var metachars = regexp.MustCompile("[;&|`$<>(){}]")

// bareName matches executable names that need no path lookup rules.
var bareName = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

// Head returns the first whitespace-delimited token of a command line.
func Head(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// CheckStrict rejects command lines that could escape a first-token
// allow list when run through sh -c. It refuses null bytes, control
// characters, and shell metacharacters anywhere in the line, and
// requires the executable to be a bare name or a plain path.
func CheckStrict(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return ErrEmpty
	}
	if strings.ContainsRune(trimmed, 0) {
		return ErrNullByte
	}
	if strings.ContainsAny(trimmed, "\r\n") {
		return ErrControlChar
	}
	if metachars.MatchString(trimmed) {
		return ErrMetachar
	}
	head := Head(trimmed)
	if strings.HasPrefix(head, "-") {
		return ErrBadName
	}
	if !bareName.MatchString(head) && !isPlainPath(head) {
		return ErrBadName
	}
	return nil
}

// isPlainPath accepts path-shaped executables whose every segment is a
// bare name. Segments like ".." stay within bareName on purpose: the
// allow list compares the full head, so traversal cannot rename a
// binary into an allowed one.
func isPlainPath(head string) bool {
	if !strings.Contains(head, "/") {
		return false
	}
	for _, seg := range strings.Split(head, "/") {
		if seg == "" {
			continue
		}
		if !bareName.MatchString(seg) && seg != "~" {
			return false
		}
	}
	return true
}
