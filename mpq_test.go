// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"
)

type testFile struct {
	name string
	data []byte
	opts InsertOptions
}

func createTestArchive(t *testing.T, path string, files ...testFile) {
	t.Helper()
	archive, err := Create(path, 10)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	for _, f := range files {
		if err := archive.Insert(f.name, f.data, f.opts); err != nil {
			t.Fatalf("insert %s: %v", f.name, err)
		}
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
}

func openTestArchive(t *testing.T, path string) *Archive {
	t.Helper()
	archive, err := Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { archive.Close() })
	return archive
}

func expectContent(t *testing.T, archive *Archive, name string, want []byte) {
	t.Helper()
	got, err := archive.ReadFile(name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: content mismatch (%d bytes, want %d)", name, len(got), len(want))
	}
}

func TestCreateAndRead(t *testing.T) {
	tmpDir := t.TempDir()

	testFile1 := filepath.Join(tmpDir, "test1.txt")
	testFile2 := filepath.Join(tmpDir, "test2.txt")
	testContent1 := []byte("Hello, World! This is test file 1 with some content.")
	testContent2 := []byte("Test file 2 contains different data for the archive.")
	if err := os.WriteFile(testFile1, testContent1, 0644); err != nil {
		t.Fatalf("write test file 1: %v", err)
	}
	if err := os.WriteFile(testFile2, testContent2, 0644); err != nil {
		t.Fatalf("write test file 2: %v", err)
	}

	mpqPath := filepath.Join(tmpDir, "out", "test.mpq")
	archive, err := Create(mpqPath, 10)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if err := archive.AddFile(testFile1, "Data\\Test1.txt"); err != nil {
		t.Fatalf("add file 1: %v", err)
	}
	if err := archive.AddFile(testFile2, "Data\\SubDir\\Test2.txt"); err != nil {
		t.Fatalf("add file 2: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	readArchive := openTestArchive(t, mpqPath)
	if !readArchive.HasFile("Data\\Test1.txt") {
		t.Errorf("file 1 not found")
	}
	if !readArchive.HasFile("Data\\SubDir\\Test2.txt") {
		t.Errorf("file 2 not found")
	}
	if readArchive.HasFile("NonExistent.txt") {
		t.Errorf("non-existent file found")
	}

	extract1 := filepath.Join(tmpDir, "extracted", "test1.txt")
	if err := readArchive.ExtractFile("Data\\Test1.txt", extract1); err != nil {
		t.Fatalf("extract file 1: %v", err)
	}
	extracted1, _ := os.ReadFile(extract1)
	if string(extracted1) != string(testContent1) {
		t.Errorf("file 1 mismatch: got %q, want %q", extracted1, testContent1)
	}
	expectContent(t, readArchive, "data/subdir/test2.txt", testContent2)

	leftovers, _ := filepath.Glob(filepath.Join(tmpDir, "out", "mpq_*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
}

func TestPathNormalization(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "test.mpq")
	createTestArchive(t, mpqPath, testFile{name: "Interface/AddOns/Test.lua", data: []byte("test")})

	readArchive := openTestArchive(t, mpqPath)
	if !readArchive.HasFile("Interface\\AddOns\\Test.lua") {
		t.Errorf("file not found with backslashes")
	}
	if !readArchive.HasFile("Interface/AddOns/Test.lua") {
		t.Errorf("file not found with forward slashes")
	}
	if !readArchive.HasFile("INTERFACE\\ADDONS\\TEST.LUA") {
		t.Errorf("file not found in upper case")
	}

	files, err := readArchive.ListFiles()
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if !slices.Equal(files, []string{`Interface\AddOns\Test.lua`}) {
		t.Errorf("ListFiles = %q", files)
	}
}

func TestInvalidPath(t *testing.T) {
	archive, err := Create(filepath.Join(t.TempDir(), "x.mpq"), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer archive.Discard()

	for _, p := range []string{"", "  ", `\\`, "(listfile)", `\(Attributes)`} {
		if err := archive.Insert(p, []byte("x"), InsertOptions{}); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Insert(%q): got %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestV2Format(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "test_v2.mpq")
	testContent := []byte("V2 format test content")

	archive, err := CreateV2(mpqPath, 10)
	if err != nil {
		t.Fatalf("create V2 archive: %v", err)
	}
	if err := archive.Insert("Data\\Test.txt", testContent, InsertOptions{}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	readArchive := openTestArchive(t, mpqPath)
	info := readArchive.Info()
	if info.FormatVersion != formatVersion2 || info.HeaderSize != headerSizeV2 {
		t.Errorf("version/header size = %d/0x%X", info.FormatVersion, info.HeaderSize)
	}
	expectContent(t, readArchive, "Data\\Test.txt", testContent)
}

func TestV1V2HeaderSizes(t *testing.T) {
	tmpDir := t.TempDir()
	v1Path := filepath.Join(tmpDir, "v1.mpq")
	v2Path := filepath.Join(tmpDir, "v2.mpq")

	v1, _ := Create(v1Path, 10)
	v1.Insert("test.txt", []byte("test"), InsertOptions{})
	v1.Close()

	v2, _ := CreateV2(v2Path, 10)
	v2.Insert("test.txt", []byte("test"), InsertOptions{})
	v2.Close()

	for path, want := range map[string]uint32{v1Path: 0x20, v2Path: 0x2C} {
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if got := binary.LittleEndian.Uint32(raw[4:]); got != want {
			t.Errorf("%s: header size 0x%X, want 0x%X", filepath.Base(path), got, want)
		}
	}
}

func TestEmptyArchive(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "empty.mpq")
	createTestArchive(t, mpqPath)

	readArchive := openTestArchive(t, mpqPath)
	if readArchive.HasFile("anything.txt") {
		t.Errorf("found file in empty archive")
	}
	files, err := readArchive.ListFiles()
	if err != nil || len(files) != 0 {
		t.Errorf("ListFiles = %q, %v", files, err)
	}
	if readArchive.Info().ReadOnly != true {
		t.Errorf("Open did not return a read-only archive")
	}
}

func TestLargeFile(t *testing.T) {
	largeData := make([]byte, 100*1024)
	for i := range largeData {
		largeData[i] = byte(i % 256)
	}

	mpqPath := filepath.Join(t.TempDir(), "large.mpq")
	createTestArchive(t, mpqPath, testFile{name: "Data\\Large.bin", data: largeData})

	mpqInfo, err := os.Stat(mpqPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mpqInfo.Size() >= int64(len(largeData)) {
		t.Errorf("archive (%d bytes) not smaller than input (%d)", mpqInfo.Size(), len(largeData))
	}

	expectContent(t, openTestArchive(t, mpqPath), "Data\\Large.bin", largeData)
}

func TestHashTableCapacity(t *testing.T) {
	tmpDir := t.TempDir()

	hinted := filepath.Join(tmpDir, "hinted.mpq")
	archive, _ := Create(hinted, 100)
	archive.Insert("a.txt", []byte("a"), InsertOptions{})
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := openTestArchive(t, hinted).Info().HashTableSize; got != 256 {
		t.Errorf("hinted capacity = %d, want 256", got)
	}

	small := filepath.Join(tmpDir, "small.mpq")
	archive, _ = Create(small, 0)
	for _, n := range []string{"a", "b", "c"} {
		archive.Insert(n, []byte(n), InsertOptions{})
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := openTestArchive(t, small).Info().HashTableSize; got != 16 {
		t.Errorf("derived capacity = %d, want 16", got)
	}
}

func TestEditInsertDelete(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "edit.mpq")
	createTestArchive(t, mpqPath,
		testFile{name: "a.txt", data: []byte("alpha")},
		testFile{name: "b.txt", data: []byte("bravo")},
		testFile{name: `dir\c.txt`, data: bytes.Repeat([]byte("charlie "), 1000)},
	)

	archive, err := Edit(mpqPath)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := archive.Delete("B.TXT"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := archive.Delete("never-existed.txt"); err != nil {
		t.Fatalf("delete absent path: %v", err)
	}
	if err := archive.Insert("d.txt", []byte("delta"), InsertOptions{}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := archive.Insert("a.txt", []byte("alpha v2"), InsertOptions{}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if archive.HasFile("d.txt") {
		t.Errorf("staged file visible before Close")
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	readArchive := openTestArchive(t, mpqPath)
	expectContent(t, readArchive, "a.txt", []byte("alpha v2"))
	expectContent(t, readArchive, "d.txt", []byte("delta"))
	expectContent(t, readArchive, "dir/c.txt", bytes.Repeat([]byte("charlie "), 1000))
	if _, err := readArchive.ReadFile("b.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted file: got %v, want ErrNotFound", err)
	}

	files, _ := readArchive.ListFiles()
	slices.Sort(files)
	if !slices.Equal(files, []string{"a.txt", "d.txt", `dir\c.txt`}) {
		t.Errorf("ListFiles = %q", files)
	}
	if got := readArchive.Info().BlockTableSize; got != 5 {
		t.Errorf("block table size = %d, want 5", got)
	}
}

func TestStagedInsertReplaced(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "staged.mpq")
	archive, _ := Create(mpqPath, 4)

	data := []byte("first")
	archive.Insert("x.txt", data, InsertOptions{Copy: true})
	data[0] = 'F'
	archive.Insert("X.TXT", []byte("second"), InsertOptions{})
	copied := []byte("copied")
	archive.Insert("y.txt", copied, InsertOptions{Copy: true})
	copy(copied, "CHANGE")
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	readArchive := openTestArchive(t, mpqPath)
	expectContent(t, readArchive, "x.txt", []byte("second"))
	expectContent(t, readArchive, "y.txt", []byte("copied"))
	if got := readArchive.Info().BlockTableSize; got != 4 {
		t.Errorf("block table size = %d, want 4", got)
	}
}

func TestReadOnlyArchive(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "ro.mpq")
	createTestArchive(t, mpqPath, testFile{name: "a.txt", data: []byte("a")})
	before, _ := os.ReadFile(mpqPath)

	archive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := archive.Insert("b.txt", []byte("b"), InsertOptions{}); !errors.Is(err, ErrNotWritable) {
		t.Errorf("Insert: got %v, want ErrNotWritable", err)
	}
	if err := archive.Delete("a.txt"); !errors.Is(err, ErrNotWritable) {
		t.Errorf("Delete: got %v, want ErrNotWritable", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	after, _ := os.ReadFile(mpqPath)
	if !bytes.Equal(before, after) {
		t.Errorf("read-only close modified the archive")
	}
}

func TestClosedArchive(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "closed.mpq")
	createTestArchive(t, mpqPath, testFile{name: "a.txt", data: []byte("a")})

	archive, _ := Edit(mpqPath)
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := archive.Discard(); err != nil {
		t.Errorf("discard after close: %v", err)
	}
	if _, err := archive.ReadFile("a.txt"); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadFile: got %v, want ErrClosed", err)
	}
	if err := archive.Insert("b.txt", nil, InsertOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Insert: got %v, want ErrClosed", err)
	}
	if archive.HasFile("a.txt") {
		t.Errorf("HasFile true on closed archive")
	}
	if _, err := archive.ListFiles(); !errors.Is(err, ErrClosed) {
		t.Errorf("ListFiles: got %v, want ErrClosed", err)
	}
}

func TestDiscard(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "discard.mpq")
	createTestArchive(t, mpqPath, testFile{name: "a.txt", data: []byte("a")})
	before, _ := os.ReadFile(mpqPath)

	archive, _ := Edit(mpqPath)
	archive.Insert("b.txt", []byte("b"), InsertOptions{})
	archive.Delete("a.txt")
	if err := archive.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}

	after, _ := os.ReadFile(mpqPath)
	if !bytes.Equal(before, after) {
		t.Errorf("discard modified the archive")
	}
}

func TestFailedCloseKeepsArchive(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "fail.mpq")
	createTestArchive(t, mpqPath, testFile{name: "a.txt", data: []byte("a")})
	before, _ := os.ReadFile(mpqPath)

	src := filepath.Join(tmpDir, "gone.txt")
	os.WriteFile(src, []byte("soon deleted"), 0644)

	archive, _ := Edit(mpqPath)
	if err := archive.InsertFile("gone.txt", src, InsertOptions{}); err != nil {
		t.Fatalf("insert file: %v", err)
	}
	os.Remove(src)

	if err := archive.Close(); err == nil {
		t.Fatalf("close succeeded without source file")
	}
	if !archive.HasFile("a.txt") {
		t.Errorf("archive unusable after failed close")
	}
	if err := archive.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}

	after, _ := os.ReadFile(mpqPath)
	if !bytes.Equal(before, after) {
		t.Errorf("failed close modified the archive")
	}
	leftovers, _ := filepath.Glob(filepath.Join(tmpDir, "mpq_*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
}

func TestCloseKeepsFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not preserved on windows")
	}
	mpqPath := filepath.Join(t.TempDir(), "mode.mpq")
	createTestArchive(t, mpqPath, testFile{name: "a.txt", data: []byte("alpha")})
	if err := os.Chmod(mpqPath, 0640); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	archive, err := Edit(mpqPath)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	archive.Insert("b.txt", []byte("bravo"), InsertOptions{})
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(mpqPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0640 {
		t.Errorf("mode after close = %v, want %v", got, os.FileMode(0640))
	}
	expectContent(t, openTestArchive(t, mpqPath), "b.txt", []byte("bravo"))
}

func TestCloseThroughSymlink(t *testing.T) {
	tmpDir := t.TempDir()
	realPath := filepath.Join(tmpDir, "real.mpq")
	linkPath := filepath.Join(tmpDir, "link.mpq")
	createTestArchive(t, realPath, testFile{name: "a.txt", data: []byte("alpha")})
	if err := os.Symlink(realPath, linkPath); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	archive, err := Edit(linkPath)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	archive.Insert("b.txt", []byte("bravo"), InsertOptions{})
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Lstat(linkPath)
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Errorf("%s replaced by a regular file", linkPath)
	}
	expectContent(t, openTestArchive(t, realPath), "b.txt", []byte("bravo"))
	expectContent(t, openTestArchive(t, realPath), "a.txt", []byte("alpha"))
}

func TestCopyFileOverwritesInPlace(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "src.bin")
	dst := filepath.Join(tmpDir, "dst.bin")
	os.WriteFile(src, []byte("new"), 0600)
	os.WriteFile(dst, []byte("much longer old content"), 0644)

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "new" {
		t.Errorf("dst = %q, want %q", got, "new")
	}
	if runtime.GOOS != "windows" {
		if info, _ := os.Stat(dst); info.Mode().Perm() != 0644 {
			t.Errorf("dst mode = %v, want 0644", info.Mode().Perm())
		}
	}
}

func TestInsertFileSpooled(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "spool.mpq")
	src := filepath.Join(tmpDir, "src.bin")
	content := bytes.Repeat([]byte("spooled content "), 2000)
	os.WriteFile(src, content, 0644)

	archive, _ := Create(mpqPath, 4)
	if err := archive.InsertFile(`Data\spooled.bin`, src, InsertOptions{Copy: true}); err != nil {
		t.Fatalf("insert file: %v", err)
	}
	os.WriteFile(src, []byte("changed after insert"), 0644)
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	expectContent(t, openTestArchive(t, mpqPath), `Data\spooled.bin`, content)
	if spools, _ := filepath.Glob(filepath.Join(tmpDir, "mpq_spool_*")); len(spools) != 0 {
		t.Errorf("spool files left behind: %v", spools)
	}
}

func TestEmbeddedArchive(t *testing.T) {
	tmpDir := t.TempDir()
	plain := filepath.Join(tmpDir, "plain.mpq")
	createTestArchive(t, plain, testFile{name: "a.txt", data: []byte("alpha")})
	raw, _ := os.ReadFile(plain)

	prefix := bytes.Repeat([]byte{'x'}, 1024)
	embedded := filepath.Join(tmpDir, "embedded.exe")
	os.WriteFile(embedded, append(append([]byte(nil), prefix...), raw...), 0644)

	archive, err := Edit(embedded)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got := archive.Info().HeaderOffset; got != 1024 {
		t.Fatalf("header offset = %d, want 1024", got)
	}
	archive.Insert("b.txt", []byte("bravo"), InsertOptions{})
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, _ := os.ReadFile(embedded)
	if !bytes.Equal(out[:1024], prefix) {
		t.Errorf("prefix not preserved")
	}

	readArchive := openTestArchive(t, embedded)
	if got := readArchive.Info().HeaderOffset; got != 1024 {
		t.Errorf("header offset after rebuild = %d", got)
	}
	expectContent(t, readArchive, "a.txt", []byte("alpha"))
	expectContent(t, readArchive, "b.txt", []byte("bravo"))
}

func TestUserDataHeader(t *testing.T) {
	tmpDir := t.TempDir()
	plain := filepath.Join(tmpDir, "plain.mpq")
	createTestArchive(t, plain, testFile{name: "war3map.j", data: []byte("function main takes nothing returns nothing")})
	raw, _ := os.ReadFile(plain)

	userData := make([]byte, 0x200)
	binary.LittleEndian.PutUint32(userData[0:], mpqUserDataMagic)
	binary.LittleEndian.PutUint32(userData[4:], 0x200)
	binary.LittleEndian.PutUint32(userData[8:], 0x200)
	binary.LittleEndian.PutUint32(userData[12:], 16)

	shunted := filepath.Join(tmpDir, "map.w3x")
	os.WriteFile(shunted, append(userData, raw...), 0644)

	archive := openTestArchive(t, shunted)
	if got := archive.Info().HeaderOffset; got != 0x200 {
		t.Fatalf("header offset = 0x%X, want 0x200", got)
	}
	expectContent(t, archive, "war3map.j", []byte("function main takes nothing returns nothing"))
}

func TestNoArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readme.txt")
	os.WriteFile(path, []byte(strings.Repeat("not an archive\n", 100)), 0644)

	if _, err := Open(path); !errors.Is(err, ErrNoArchiveFound) {
		t.Fatalf("got %v, want ErrNoArchiveFound", err)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mpq")); err == nil {
		t.Fatalf("opening a missing file succeeded")
	}
}

func TestMissingListfileOpensReadOnly(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "nolist.mpq")
	archive, _ := Create(mpqPath, 4)
	archive.Insert("war3map.j", []byte("script"), InsertOptions{})
	archive.Insert("unlisted.bin", []byte("data"), InsertOptions{})
	if err := archive.CloseWithOptions(CloseOptions{}); err != nil {
		t.Fatalf("close: %v", err)
	}

	edit, err := Edit(mpqPath)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	defer edit.Close()

	if !edit.Info().ReadOnly {
		t.Errorf("archive without (listfile) is writable")
	}
	if err := edit.Insert("x", []byte("x"), InsertOptions{}); !errors.Is(err, ErrNotWritable) {
		t.Errorf("Insert: got %v, want ErrNotWritable", err)
	}
	expectContent(t, edit, "unlisted.bin", []byte("data"))

	files, _ := edit.ListFiles()
	if !slices.Equal(files, []string{"war3map.j"}) {
		t.Errorf("ListFiles from default list = %q", files)
	}
}

func TestAttributes(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "attrs.mpq")
	createTestArchive(t, mpqPath, testFile{name: "a.txt", data: []byte("alpha")})

	archive := openTestArchive(t, mpqPath)
	if !archive.HasFile(attributesName) || !archive.HasFile(listfileName) {
		t.Fatalf("special files missing")
	}
	if archive.attributes == nil {
		t.Fatalf("(attributes) not loaded")
	}
	idx, _, err := archive.findBlock("a.txt", localeNeutral)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if crc, _ := archive.attributes.crcAt(idx); crc != crc32([]byte("alpha")) {
		t.Errorf("crc = 0x%08X, want 0x%08X", crc, crc32([]byte("alpha")))
	}
	ft, _ := archive.attributes.fileTimeAt(idx)
	if fromFileTime(ft).IsZero() {
		t.Errorf("file time not recorded")
	}
	modTime, ok := archive.FileModTime("A.TXT")
	if !ok || time.Since(modTime) > time.Hour || time.Until(modTime) > time.Hour {
		t.Errorf("FileModTime = %v, %v", modTime, ok)
	}
	if _, ok := archive.FileModTime("missing.txt"); ok {
		t.Errorf("FileModTime reported a missing file")
	}
	archive.Close()

	edit, _ := Edit(mpqPath)
	edit.Insert("b.txt", []byte("bravo"), InsertOptions{})
	if err := edit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestArchive(t, mpqPath)
	idx, _, _ = reopened.findBlock("a.txt", localeNeutral)
	if got, _ := reopened.attributes.fileTimeAt(idx); got != ft {
		t.Errorf("retained file time changed: %d != %d", got, ft)
	}
}

func TestCloseWithoutSpecialFiles(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "bare.mpq")
	archive, _ := Create(mpqPath, 4)
	archive.Insert("a.txt", []byte("alpha"), InsertOptions{})
	if err := archive.CloseWithOptions(CloseOptions{BuildListfile: true}); err != nil {
		t.Fatalf("close: %v", err)
	}

	readArchive := openTestArchive(t, mpqPath)
	if readArchive.HasFile(attributesName) {
		t.Errorf("(attributes) written without BuildAttributes")
	}
	if _, ok := readArchive.FileModTime("a.txt"); ok {
		t.Errorf("FileModTime without (attributes)")
	}
	if got := readArchive.Info().BlockTableSize; got != 2 {
		t.Errorf("block table size = %d, want 2", got)
	}
}

func TestLocales(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "locale.mpq")
	createTestArchive(t, mpqPath,
		testFile{name: "greeting.txt", data: []byte("hello")},
		testFile{name: "greeting.txt", data: []byte("hallo"), opts: InsertOptions{Locale: 0x407}},
	)

	check := func(a *Archive) {
		t.Helper()
		for locale, want := range map[uint16]string{0: "hello", 0x407: "hallo", 0x40C: "hello"} {
			got, err := a.ReadFileLocale("greeting.txt", locale)
			if err != nil || string(got) != want {
				t.Errorf("locale 0x%X: %q, %v; want %q", locale, got, err, want)
			}
		}
		if !a.HasFileLocale("greeting.txt", 0x407) {
			t.Errorf("HasFileLocale false")
		}
	}

	archive := openTestArchive(t, mpqPath)
	check(archive)
	archive.Close()

	edit, _ := Edit(mpqPath)
	edit.Insert("other.txt", []byte("x"), InsertOptions{})
	if err := edit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	check(openTestArchive(t, mpqPath))

	edit, _ = Edit(mpqPath)
	edit.Delete("greeting.txt")
	if err := edit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := openTestArchive(t, mpqPath).ReadFileLocale("greeting.txt", 0x407); !errors.Is(err, ErrNotFound) {
		t.Errorf("locale variant survived delete: %v", err)
	}
}

func TestDeleteLocale(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "locale.mpq")
	createTestArchive(t, mpqPath,
		testFile{name: "greeting.txt", data: []byte("hello")},
		testFile{name: "greeting.txt", data: []byte("hallo"), opts: InsertOptions{Locale: 0x407}},
	)

	edit, err := Edit(mpqPath)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	// Two greetings plus (listfile) and (attributes).
	if n := edit.FileCount(); n != 4 {
		t.Errorf("FileCount = %d, want 4", n)
	}
	if err := edit.DeleteLocale("greeting.txt", 0x407); err != nil {
		t.Fatalf("delete locale: %v", err)
	}
	if err := edit.DeleteLocale("greeting.txt", 0x40C); err != nil {
		t.Errorf("delete absent locale: %v", err)
	}
	if n := edit.FileCount(); n != 3 {
		t.Errorf("FileCount after delete = %d, want 3", n)
	}
	if got, err := edit.ReadFileLocale("greeting.txt", 0x407); err != nil || string(got) != "hello" {
		t.Errorf("locale fallback before Close: %q, %v", got, err)
	}
	if err := edit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	archive := openTestArchive(t, mpqPath)
	expectContent(t, archive, "greeting.txt", []byte("hello"))
	files, _ := archive.ListFiles()
	if len(files) != 1 || files[0] != "greeting.txt" {
		t.Errorf("ListFiles = %q", files)
	}
	archive.Close()

	edit, _ = Edit(mpqPath)
	edit.DeleteLocale("greeting.txt", localeNeutral)
	if edit.HasFile("greeting.txt") {
		t.Errorf("deleted file still visible")
	}
	if err := edit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, _ = openTestArchive(t, mpqPath).ListFiles()
	if len(files) != 0 {
		t.Errorf("ListFiles after last variant = %q", files)
	}
}

func TestEncryptedFiles(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "crypt.mpq")
	script := bytes.Repeat([]byte("call ExecuteFunc(\"main\")\r\n"), 400)
	createTestArchive(t, mpqPath,
		testFile{name: "pad.bin", data: bytes.Repeat([]byte{1}, 3000)},
		testFile{name: `Scripts\war3map.j`, data: script, opts: InsertOptions{FixKey: true, SectorChecksums: true}},
		testFile{name: "single.txt", data: []byte("single unit text"), opts: InsertOptions{Encrypt: true, SingleUnit: true}},
	)

	archive, err := OpenWithOptions(mpqPath, OpenOptions{ReadOnly: true, VerifySectorChecksums: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, block, _ := archive.findBlock(`Scripts\war3map.j`, localeNeutral)
	if block.Flags&(fileEncrypted|fileFixKey|fileSectorCRC) != fileEncrypted|fileFixKey|fileSectorCRC {
		t.Errorf("flags = 0x%08X", block.Flags)
	}
	oldPos := block.FilePos
	expectContent(t, archive, `Scripts\war3map.j`, script)
	expectContent(t, archive, "single.txt", []byte("single unit text"))
	archive.Close()

	// Removing the file in front moves the FIX_KEY file, which must be re-encrypted.
	edit, _ := Edit(mpqPath)
	edit.Delete("pad.bin")
	if err := edit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenWithOptions(mpqPath, OpenOptions{ReadOnly: true, VerifySectorChecksums: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	_, block, _ = reopened.findBlock(`Scripts\war3map.j`, localeNeutral)
	if block.FilePos == oldPos {
		t.Fatalf("file did not move")
	}
	expectContent(t, reopened, `Scripts\war3map.j`, script)
	expectContent(t, reopened, "single.txt", []byte("single unit text"))
}

func TestRecompress(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "recompress.mpq")
	content := bytes.Repeat([]byte("terrain "), 5000)
	createTestArchive(t, mpqPath, testFile{name: "war3map.w3e", data: content})

	edit, _ := Edit(mpqPath)
	opts := DefaultCloseOptions()
	opts.Recompress = RecompressOptions{Enabled: true, SectorSizeShift: 4}
	if err := edit.CloseWithOptions(opts); err != nil {
		t.Fatalf("close: %v", err)
	}

	readArchive := openTestArchive(t, mpqPath)
	if got := readArchive.Info().SectorSize; got != 8192 {
		t.Errorf("sector size = %d, want 8192", got)
	}
	expectContent(t, readArchive, "war3map.w3e", content)
}

func TestCacheReturnsCopies(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "cache.mpq")
	createTestArchive(t, mpqPath, testFile{name: "a.txt", data: []byte("alpha")})

	archive, err := OpenWithOptions(mpqPath, OpenOptions{ReadOnly: true, CacheEntries: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer archive.Close()

	first, _ := archive.ReadFile("a.txt")
	first[0] = 'X'
	expectContent(t, archive, "a.txt", []byte("alpha"))
}

func TestExtractAll(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "all.mpq")
	createTestArchive(t, mpqPath,
		testFile{name: "a.txt", data: []byte("alpha")},
		testFile{name: `Units\Human\b.txt`, data: []byte("bravo")},
	)

	archive := openTestArchive(t, mpqPath)
	outDir := filepath.Join(tmpDir, "out")
	if err := archive.ExtractAll(outDir); err != nil {
		t.Fatalf("extract all: %v", err)
	}
	for rel, want := range map[string]string{"a.txt": "alpha", "Units/Human/b.txt": "bravo"} {
		got, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(rel)))
		if err != nil || string(got) != want {
			t.Errorf("%s: %q, %v", rel, got, err)
		}
	}

	var buf bytes.Buffer
	if err := archive.ExtractTo("a.txt", &buf); err != nil || buf.String() != "alpha" {
		t.Errorf("ExtractTo = %q, %v", buf.String(), err)
	}
}

func TestExtractAllRejectsEscapingPaths(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "evil.mpq")
	createTestArchive(t, mpqPath, testFile{name: `..\..\evil.txt`, data: []byte("x")})

	archive := openTestArchive(t, mpqPath)
	if err := archive.ExtractAll(filepath.Join(tmpDir, "out")); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("got %v, want ErrInvalidPath", err)
	}
}

func TestBrokenEntries(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "broken.mpq")
	createTestArchive(t, mpqPath, testFile{name: "a.txt", data: []byte("alpha")})

	archive := openTestArchive(t, mpqPath)

	archive.hashTable.insert("ghost.txt", localeNeutral, 99)
	_, err := archive.ReadFile("ghost.txt")
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, ErrInvalidBlockPosition) {
		t.Errorf("bad block index: got %v", err)
	}
	var broken *BrokenEntryError
	if !errors.As(err, &broken) || broken.Path != "ghost.txt" {
		t.Errorf("bad block index: got %v, want *BrokenEntryError for ghost.txt", err)
	}

	archive.blockTable = append(archive.blockTable, blockTableEntry{Flags: fileExists | fileDeleteMarker})
	archive.hashTable.insert("deleted.txt", localeNeutral, uint32(len(archive.blockTable)-1))
	if archive.HasFile("deleted.txt") {
		t.Errorf("deletion marker reported as file")
	}
	if _, err := archive.ReadFile("deleted.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deletion marker: got %v, want ErrNotFound", err)
	}
}

func TestLogger(t *testing.T) {
	mpqPath := filepath.Join(t.TempDir(), "log.mpq")
	createTestArchive(t, mpqPath, testFile{name: "a.txt", data: []byte("alpha")})

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	archive, err := OpenWithOptions(mpqPath, OpenOptions{Logger: logger})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	archive.Insert("b.txt", []byte("b"), InsertOptions{})
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, msg := range []string{"header found", "file retained", "file added", "archive rebuilt"} {
		if !strings.Contains(buf.String(), msg) {
			t.Errorf("log lacks %q", msg)
		}
	}
}
