package artifact_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/srcpin/srcpin/artifact"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/store"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzWriter)
	for name, content := range files {
		if err := tarWriter.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tarWriter.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gzWriter.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func importBlob(t *testing.T, payload []byte) *artifact.Artifact {
	t.Helper()
	disk, err := store.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	digest, err := disk.ImportBlob(context.Background(), integrity.Integrity{}, integrity.Digest{}, integrity.SHA256, bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	return artifact.New(digest, integrity.SHA256, disk)
}

func TestPackageSet(t *testing.T) {
	files := map[string]string{
		"pkgs-1.0/default.nix":     "{ }",
		"pkgs-1.0/lib/strings.nix": "rec { }",
	}
	a := importBlob(t, buildTarGz(t, files))

	packageSet, err := a.PackageSet(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if packageSet.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", packageSet.Len())
	}
	names := packageSet.Names()
	if names[0] != "pkgs-1.0/default.nix" || names[1] != "pkgs-1.0/lib/strings.nix" {
		t.Fatalf("unexpected names: %v", names)
	}

	entry, ok := packageSet.Lookup("pkgs-1.0/default.nix")
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if string(entry.Data) != "{ }" {
		t.Fatalf("unexpected entry content: %q", entry.Data)
	}
	if _, ok := packageSet.Lookup("no/such/file"); ok {
		t.Fatal("lookup of a missing entry must fail")
	}
}

func TestPackageSetExtract(t *testing.T) {
	files := map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "beta",
	}
	a := importBlob(t, buildTarGz(t, files))
	packageSet, err := a.PackageSet(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	destDir := t.TempDir()
	if err := packageSet.Extract(destDir); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(destDir, "sub", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "beta" {
		t.Fatalf("unexpected extracted content: %q", got)
	}
}

func TestDecodePlainTar(t *testing.T) {
	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)
	if err := tarWriter.WriteHeader(&tar.Header{Name: "file", Mode: 0o644, Size: 4, Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tarWriter.Write([]byte("data"))
	tarWriter.Close()

	packageSet, err := artifact.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if packageSet.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", packageSet.Len())
	}
}

// A verified blob that is not an archive is still a usable artifact:
// it becomes a package set with a single entry.
func TestDecodeSingleFilePassThrough(t *testing.T) {
	payload := []byte("#!/bin/sh\necho pinned script\n")
	packageSet, err := artifact.Decode(bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if packageSet.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", packageSet.Len())
	}
	entry, ok := packageSet.Lookup("content")
	if !ok {
		t.Fatalf("expected a %q entry, got %v", "content", packageSet.Names())
	}
	if !bytes.Equal(entry.Data, payload) {
		t.Fatal("pass-through entry must carry the blob unmodified")
	}
}

func TestDecodeCompressedSingleFilePassThrough(t *testing.T) {
	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	gzWriter.Write([]byte("just a compressed file, no archive"))
	if err := gzWriter.Close(); err != nil {
		t.Fatal(err)
	}

	packageSet, err := artifact.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := packageSet.Lookup("content")
	if !ok {
		t.Fatal("expected the decompressed blob as a single entry")
	}
	if string(entry.Data) != "just a compressed file, no archive" {
		t.Fatalf("unexpected entry content: %q", entry.Data)
	}
}

func TestDecodeEmptyBlobIsImportError(t *testing.T) {
	_, err := artifact.Decode(bytes.NewReader(nil))
	var importErr *artifact.ImportError
	if !errors.As(err, &importErr) {
		t.Fatalf("expected ImportError, got %v", err)
	}
}

func TestDecodeCorruptGzipIsImportError(t *testing.T) {
	corrupt := append([]byte{0x1f, 0x8b}, []byte("not a gzip stream after the magic")...)
	_, err := artifact.Decode(bytes.NewReader(corrupt))
	var importErr *artifact.ImportError
	if !errors.As(err, &importErr) {
		t.Fatalf("expected ImportError, got %v", err)
	}
}

func TestDecodeTruncatedTarIsImportError(t *testing.T) {
	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)
	if err := tarWriter.WriteHeader(&tar.Header{Name: "file", Mode: 0o644, Size: 1 << 16, Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	// header promises 64KiB of payload that never arrives
	_, err := artifact.Decode(bytes.NewReader(buf.Bytes()))
	var importErr *artifact.ImportError
	if !errors.As(err, &importErr) {
		t.Fatalf("expected ImportError, got %v", err)
	}
}

func TestDecodeRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)
	if err := tarWriter.WriteHeader(&tar.Header{Name: "../escape", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tarWriter.Write([]byte("x"))
	tarWriter.Close()

	_, err := artifact.Decode(&buf)
	var importErr *artifact.ImportError
	if !errors.As(err, &importErr) {
		t.Fatalf("expected ImportError for traversal, got %v", err)
	}
}
