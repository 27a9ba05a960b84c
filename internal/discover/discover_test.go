package discover

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestLocatorExpand(t *testing.T) {
	loc := Locator{Template: "/data/{subject}/{session}/dicom", Subject: "01", Session: "pre"}
	got, err := loc.Expand()
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := "/data/01/pre/dicom"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLocatorExpandNoSession(t *testing.T) {
	loc := Locator{Template: "/data/{subject}/{session}/dicom", Subject: "01"}
	got, err := loc.Expand()
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := "/data/01//dicom"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLocatorExpandMissingSubject(t *testing.T) {
	loc := Locator{Template: "/data/{subject}/dicom"}
	if _, err := loc.Expand(); err == nil {
		t.Fatal("expected error for missing subject")
	}
}

func TestIsArchive(t *testing.T) {
	cases := map[string]bool{
		"a.zip": true, "a.tar": true, "a.tar.gz": true, "a.tgz": true,
		"a.dcm": false, "a.json": false,
	}
	for name, want := range cases {
		if got := IsArchive(name); got != want {
			t.Errorf("IsArchive(%q) = %v, want %v", name, got, want)
		}
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeTarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gw.Close()
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "in.zip")
	writeZip(t, zipPath, map[string]string{"001.dcm": "data1", "sub/002.dcm": "data2"})

	dest := filepath.Join(dir, "out")
	if err := ExtractArchive(context.Background(), zipPath, dest); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "001.dcm"))
	if err != nil || !bytes.Equal(got, []byte("data1")) {
		t.Fatalf("001.dcm content mismatch: %v %q", err, got)
	}
	got2, err := os.ReadFile(filepath.Join(dest, "sub", "002.dcm"))
	if err != nil || !bytes.Equal(got2, []byte("data2")) {
		t.Fatalf("sub/002.dcm content mismatch: %v %q", err, got2)
	}
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	tgzPath := filepath.Join(dir, "in.tar.gz")
	writeTarGz(t, tgzPath, map[string]string{"a.dcm": "hello"})

	dest := filepath.Join(dir, "out")
	if err := ExtractArchive(context.Background(), tgzPath, dest); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "a.dcm"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("a.dcm content mismatch: %v %q", err, got)
	}
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	if _, err := safeJoin("/dest", "../../etc/passwd"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestDiscoverIsolatesArchiveErrors(t *testing.T) {
	dir := t.TempDir()
	// A plain file plus a corrupt archive; discovery should surface the
	// corrupt archive as an error without losing the plain file.
	plain := filepath.Join(dir, "001.dcm")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	badZip := filepath.Join(dir, "bad.zip")
	if err := os.WriteFile(badZip, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}

	scratch := t.TempDir()
	res, err := Discover(context.Background(), []Locator{{Template: dir, Subject: "x"}}, Options{ScratchRoot: scratch, MaxConcurrentExtractions: 2})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0] != plain {
		t.Fatalf("expected only the plain file, got %v", res.Files)
	}
	if res.Errors == nil || len(res.Errors.Errors) != 1 {
		t.Fatalf("expected exactly one isolated archive error, got %v", res.Errors)
	}
}
