package domain

import (
	"regexp"
	"slices"
	"strings"

	"github.com/samber/lo"
)

var disallowedPathChars = regexp.MustCompile(`[^a-zA-Z0-9._\-/]`)

// SanitizePath keeps letters, digits, '.', '_', '-' and '/', then truncates to
// maxLength characters. A non-positive maxLength uses DefaultMaxPathLength.
func SanitizePath(raw string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxPathLength
	}

	clean := disallowedPathChars.ReplaceAllString(raw, "")
	if len(clean) > maxLength {
		clean = clean[:maxLength]
	}

	return clean
}

// SortedPaths returns every file path in lexicographic order.
func (r *Room) SortedPaths() []string {
	paths := lo.Keys(r.Files)
	slices.Sort(paths)
	return paths
}

func (r *Room) pathsUnder(prefix string) []string {
	return lo.Filter(r.SortedPaths(), func(p string, _ int) bool {
		return strings.HasPrefix(p, prefix)
	})
}

// ensureActiveFile points ActiveFile at the lexicographically smallest path
// when it no longer names an existing file.
func (r *Room) ensureActiveFile() {
	if r.ActiveFile != "" {
		if _, ok := r.Files[r.ActiveFile]; ok {
			return
		}
	}

	r.ActiveFile = ""
	if paths := r.SortedPaths(); len(paths) > 0 {
		r.ActiveFile = paths[0]
	}
}

// CreateFile adds an empty file at the sanitized path and returns that path.
func (r *Room) CreateFile(raw string, maxLength int) (string, error) {
	path := SanitizePath(raw, maxLength)
	if path == "" {
		return "", ErrInvalidPath
	}
	if _, ok := r.Files[path]; ok {
		return "", ErrFileExists
	}

	r.Files[path] = ""
	if r.ActiveFile == "" {
		r.ActiveFile = path
	}

	return path, nil
}

// WriteFile upserts content at path. The path must already be in sanitized form.
func (r *Room) WriteFile(path, content string, maxLength, maxSize int) error {
	if path == "" || SanitizePath(path, maxLength) != path {
		return ErrInvalidPath
	}
	if maxSize > 0 && len(content) > maxSize {
		return ErrPayloadTooLarge
	}

	r.Files[path] = content
	if r.ActiveFile == "" {
		r.ActiveFile = path
	}

	return nil
}

// DeleteFile removes path, or every path under path+"/" when path is not a
// file itself. It returns the removed paths.
func (r *Room) DeleteFile(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	var removed []string
	if _, ok := r.Files[path]; ok {
		removed = []string{path}
	} else {
		removed = r.pathsUnder(path + "/")
	}

	if len(removed) == 0 {
		return nil, ErrFileNotFound
	}

	for _, p := range removed {
		delete(r.Files, p)
	}
	r.ensureActiveFile()

	return removed, nil
}

// RenameFile moves a file, or a whole directory prefix when oldPath is not a
// file. It returns a map of old path to new path for every moved entry.
func (r *Room) RenameFile(oldPath, rawNew string, maxLength int) (map[string]string, error) {
	newPath := SanitizePath(rawNew, maxLength)
	if oldPath == "" || newPath == "" {
		return nil, ErrInvalidPath
	}

	if content, ok := r.Files[oldPath]; ok {
		if _, taken := r.Files[newPath]; taken {
			return nil, ErrFileExists
		}

		delete(r.Files, oldPath)
		r.Files[newPath] = content
		if r.ActiveFile == oldPath {
			r.ActiveFile = newPath
		}

		return map[string]string{oldPath: newPath}, nil
	}

	oldPrefix := oldPath + "/"
	newPrefix := newPath + "/"

	moved := r.pathsUnder(oldPrefix)
	if len(moved) == 0 {
		return nil, ErrFileNotFound
	}

	renames := make(map[string]string, len(moved))
	for _, p := range moved {
		renames[p] = newPrefix + strings.TrimPrefix(p, oldPrefix)
	}

	// A target may only collide with an entry that is itself being moved.
	for _, target := range renames {
		if _, taken := r.Files[target]; taken {
			if _, leaving := renames[target]; !leaving {
				return nil, ErrFileExists
			}
		}
	}

	contents := make(map[string]string, len(moved))
	for _, p := range moved {
		contents[p] = r.Files[p]
		delete(r.Files, p)
	}
	for from, to := range renames {
		r.Files[to] = contents[from]
	}

	if to, ok := renames[r.ActiveFile]; ok {
		r.ActiveFile = to
	}

	return renames, nil
}

// SetActiveFile points the room at an existing file.
func (r *Room) SetActiveFile(path string) error {
	if _, ok := r.Files[path]; !ok {
		return ErrFileNotFound
	}

	r.ActiveFile = path
	return nil
}
