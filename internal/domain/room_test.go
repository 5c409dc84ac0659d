package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRoom(files map[string]string, active string) *Room {
	r := NewRoom("room-1")
	r.Files = files
	r.ActiveFile = active
	return r
}

func TestNewRoom_SeedsStarterProject(t *testing.T) {
	r := NewRoom("room-1")

	require.Equal(t, "room-1", r.Key)
	require.Contains(t, r.Files, "src/index.js")
	require.Contains(t, r.Files, "README.md")
	require.Equal(t, "src/index.js", r.ActiveFile)
	require.Empty(t, r.Messages)
}

func TestSanitizePath(t *testing.T) {
	require.Equal(t, "src/app.js", SanitizePath("src/app.js", 50))
	require.Equal(t, "../etc/passwd", SanitizePath("../etc/passwd", 50))
	require.Equal(t, "helloworld.py", SanitizePath("hello world!.py", 50))
	require.Equal(t, "", SanitizePath("?? **", 50))
	require.Len(t, SanitizePath(strings.Repeat("a", 80), 50), 50)
	require.Len(t, SanitizePath(strings.Repeat("a", 80), 0), DefaultMaxPathLength)
}

func TestCreateFile(t *testing.T) {
	r := NewRoom("room-1")

	path, err := r.CreateFile("lib/util <1>.js", 50)
	require.NoError(t, err)
	require.Equal(t, "lib/util1.js", path)
	require.Equal(t, "", r.Files[path])

	_, err = r.CreateFile("lib/util1.js", 50)
	require.ErrorIs(t, err, ErrFileExists)

	_, err = r.CreateFile("***", 50)
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestCreateFile_EmptyRoomGetsActiveFile(t *testing.T) {
	r := newTestRoom(map[string]string{}, "")

	_, err := r.CreateFile("main.go", 50)
	require.NoError(t, err)
	require.Equal(t, "main.go", r.ActiveFile)
}

func TestWriteFile(t *testing.T) {
	r := NewRoom("room-1")

	require.NoError(t, r.WriteFile("src/new.js", "x", 50, 10))
	require.Equal(t, "x", r.Files["src/new.js"])

	require.ErrorIs(t, r.WriteFile("src/new.js", strings.Repeat("x", 11), 50, 10), ErrPayloadTooLarge)
	require.ErrorIs(t, r.WriteFile("bad path.js", "x", 50, 10), ErrInvalidPath)
	require.ErrorIs(t, r.WriteFile("", "x", 50, 10), ErrInvalidPath)
}

func TestDeleteFile_Exact(t *testing.T) {
	r := newTestRoom(map[string]string{"a.js": "1", "b.js": "2"}, "b.js")

	removed, err := r.DeleteFile("b.js")
	require.NoError(t, err)
	require.Equal(t, []string{"b.js"}, removed)
	require.Equal(t, "a.js", r.ActiveFile)
}

func TestDeleteFile_DirectoryPrefix(t *testing.T) {
	r := newTestRoom(map[string]string{
		"src/a.js":     "a",
		"src/lib/b.js": "b",
		"srcx/c.js":    "c",
		"z.md":         "z",
	}, "src/lib/b.js")

	removed, err := r.DeleteFile("src")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"src/a.js", "src/lib/b.js"}, removed)
	require.Equal(t, []string{"srcx/c.js", "z.md"}, r.SortedPaths())
	require.Equal(t, "srcx/c.js", r.ActiveFile)
}

func TestDeleteFile_EmptyFileIsExactMatch(t *testing.T) {
	r := newTestRoom(map[string]string{"a": "", "a/b.js": "b"}, "a/b.js")

	removed, err := r.DeleteFile("a")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, removed)
	require.Contains(t, r.Files, "a/b.js")
	require.Equal(t, "a/b.js", r.ActiveFile)
}

func TestDeleteFile_LastFileClearsActive(t *testing.T) {
	r := newTestRoom(map[string]string{"only.js": "x"}, "only.js")

	_, err := r.DeleteFile("only.js")
	require.NoError(t, err)
	require.Empty(t, r.Files)
	require.Equal(t, "", r.ActiveFile)
	require.Nil(t, r.Snapshot().ActiveFile)
}

func TestDeleteFile_NoMatch(t *testing.T) {
	r := NewRoom("room-1")

	_, err := r.DeleteFile("nope")
	require.ErrorIs(t, err, ErrFileNotFound)
	_, err = r.DeleteFile("")
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestDeleteThenRecreate_ContentIsEmpty(t *testing.T) {
	r := newTestRoom(map[string]string{"dir/x.js": "old", "y.js": "old"}, "y.js")

	_, err := r.DeleteFile("dir")
	require.NoError(t, err)
	_, err = r.DeleteFile("y.js")
	require.NoError(t, err)

	for _, p := range []string{"dir/x.js", "y.js"} {
		_, err := r.CreateFile(p, 50)
		require.NoError(t, err)
		require.Equal(t, "", r.Files[p])
	}
}

func TestRenameFile_Exact(t *testing.T) {
	r := newTestRoom(map[string]string{"a.js": "A", "b.js": "B"}, "a.js")

	moved, err := r.RenameFile("a.js", "c d.js", 50)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a.js": "cd.js"}, moved)
	require.Equal(t, "A", r.Files["cd.js"])
	require.NotContains(t, r.Files, "a.js")
	require.Equal(t, "cd.js", r.ActiveFile)

	_, err = r.RenameFile("cd.js", "b.js", 50)
	require.ErrorIs(t, err, ErrFileExists)
	require.Equal(t, "A", r.Files["cd.js"])
}

func TestRenameFile_DirectoryPrefix(t *testing.T) {
	r := newTestRoom(map[string]string{
		"a/b/one.js":      "1",
		"a/b/deep/two.js": "2",
		"a/bc/three.js":   "3",
		"other.js":        "o",
	}, "a/b/deep/two.js")

	moved, err := r.RenameFile("a/b", "a/c", 50)
	require.NoError(t, err)
	require.Len(t, moved, 2)
	require.Equal(t, []string{"a/bc/three.js", "a/c/deep/two.js", "a/c/one.js", "other.js"}, r.SortedPaths())
	require.Equal(t, "1", r.Files["a/c/one.js"])
	require.Equal(t, "2", r.Files["a/c/deep/two.js"])
	require.Equal(t, "a/c/deep/two.js", r.ActiveFile)
}

func TestRenameFile_DirectoryCollisionIsRejected(t *testing.T) {
	r := newTestRoom(map[string]string{"src/x.js": "1", "lib/x.js": "2"}, "src/x.js")

	_, err := r.RenameFile("src", "lib", 50)
	require.ErrorIs(t, err, ErrFileExists)
	require.Equal(t, "1", r.Files["src/x.js"])
	require.Equal(t, "2", r.Files["lib/x.js"])
}

func TestRenameFile_NoMatchAndInvalid(t *testing.T) {
	r := NewRoom("room-1")
	before := r.Clone()

	_, err := r.RenameFile("missing", "other", 50)
	require.ErrorIs(t, err, ErrFileNotFound)
	_, err = r.RenameFile("README.md", "!!!", 50)
	require.ErrorIs(t, err, ErrInvalidPath)
	require.Equal(t, before.Files, r.Files)
}

func TestActiveFileAlwaysExists(t *testing.T) {
	r := NewRoom("room-1")
	steps := []func(){
		func() { _, _ = r.CreateFile("src/a/b.js", 50) },
		func() { _ = r.SetActiveFile("src/a/b.js") },
		func() { _, _ = r.RenameFile("src", "lib", 50) },
		func() { _, _ = r.DeleteFile("lib/a") },
		func() { _, _ = r.DeleteFile("lib") },
		func() { _, _ = r.RenameFile("README.md", "docs/README.md", 50) },
		func() { _, _ = r.DeleteFile("docs") },
	}

	for _, step := range steps {
		step()
		if r.ActiveFile != "" {
			require.Contains(t, r.Files, r.ActiveFile)
		} else {
			require.Empty(t, r.Files)
		}
	}
}

func TestSetActiveFile(t *testing.T) {
	r := NewRoom("room-1")

	require.NoError(t, r.SetActiveFile("README.md"))
	require.Equal(t, "README.md", r.ActiveFile)
	require.ErrorIs(t, r.SetActiveFile("nope"), ErrFileNotFound)
}

func TestAppendMessage(t *testing.T) {
	r := NewRoom("room-1")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	msg, err := r.AppendMessage("alice", "hi", at, 5)
	require.NoError(t, err)
	require.Equal(t, Message{Username: "alice", Text: "hi", Time: at}, msg)

	_, err = r.AppendMessage("alice", "toolong", at, 5)
	require.ErrorIs(t, err, ErrMessageTooLong)
	_, err = r.AppendMessage("alice", "", at, 5)
	require.ErrorIs(t, err, ErrEmptyMessage)

	require.Len(t, r.Messages, 1)
}

func TestClone_IsDeep(t *testing.T) {
	r := NewRoom("room-1")
	c := r.Clone()

	c.Files["README.md"] = "changed"
	c.Messages = append(c.Messages, Message{Text: "x"})

	require.NotEqual(t, "changed", r.Files["README.md"])
	require.Empty(t, r.Messages)
}

func TestNormalize(t *testing.T) {
	r := &Room{Key: "k", Files: map[string]string{"b": "", "a": ""}, ActiveFile: "gone"}
	r.Normalize()

	require.Equal(t, "a", r.ActiveFile)
	require.NotNil(t, r.Messages)
}

func TestNewMemberAndRoomKey(t *testing.T) {
	m, err := NewMember("conn-1", "  alice ")
	require.NoError(t, err)
	require.Equal(t, "alice", m.Username)
	require.Equal(t, "conn-1", m.ConnID)

	_, err = NewMember("conn-1", "")
	require.Error(t, err)
	_, err = NewMember("conn-1", strings.Repeat("x", 33))
	require.Error(t, err)

	require.NoError(t, ValidateRoomKey("3f1c-room"))
	require.Error(t, ValidateRoomKey(""))
	require.Error(t, ValidateRoomKey("has space"))
}
