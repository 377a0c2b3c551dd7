// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	_ "embed"
	"strings"
)

// Special files maintained by the archive itself.
const (
	listfileName   = "(listfile)"
	attributesName = "(attributes)"
	signatureName  = "(signature)"
)

// defaultListfile is used when an archive carries no readable (listfile).
//
//go:embed defaultlistfile.txt
var defaultListfile []byte

// listfile is an ordered set of archive paths, unique ignoring case.
type listfile struct {
	files []string
	seen  map[string]struct{}
}

func newListfile() *listfile {
	return &listfile{seen: make(map[string]struct{})}
}

// parseListfile reads CRLF, LF or ';' separated paths.
func parseListfile(data []byte) *listfile {
	l := newListfile()
	fields := strings.FieldsFunc(string(data), func(r rune) bool {
		return r == '\r' || r == '\n' || r == ';'
	})
	for _, f := range fields {
		l.add(f)
	}
	return l
}

func listKey(path string) string {
	return strings.ToUpper(strings.ReplaceAll(path, "/", `\`))
}

// add appends path unless an equal path is already present.
func (l *listfile) add(path string) bool {
	path = strings.TrimSpace(strings.ReplaceAll(path, "/", `\`))
	if path == "" {
		return false
	}
	key := listKey(path)
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	l.files = append(l.files, path)
	return true
}

// remove drops path, matching case-insensitively.
func (l *listfile) remove(path string) bool {
	key := listKey(path)
	if _, ok := l.seen[key]; !ok {
		return false
	}
	delete(l.seen, key)
	for i, f := range l.files {
		if listKey(f) == key {
			l.files = append(l.files[:i], l.files[i+1:]...)
			break
		}
	}
	return true
}

func (l *listfile) contains(path string) bool {
	_, ok := l.seen[listKey(path)]
	return ok
}

// paths returns a copy of the listed paths in order.
func (l *listfile) paths() []string {
	return append([]string(nil), l.files...)
}

// marshal encodes the list with CRLF line endings.
func (l *listfile) marshal() []byte {
	var b strings.Builder
	for _, f := range l.files {
		b.WriteString(f)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// isSpecialFile reports whether path names a file the archive regenerates.
func isSpecialFile(path string) bool {
	switch listKey(path) {
	case listKey(listfileName), listKey(attributesName), listKey(signatureName):
		return true
	}
	return false
}
