// Package artifact interprets verified blobs as package sets: namespaces
// of files extracted from a pinned source archive.
package artifact

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/store"
	"github.com/ulikunitz/xz"
)

// ImportError reports that retrieved and verified content could not be
// interpreted as a package set.
type ImportError struct {
	Err error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("importing artifact: %v", e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// Artifact is a verified blob held in the local store.
// It is cheap to construct; the content is only read when the artifact is
// opened or imported.
type Artifact struct {
	Digest         integrity.Digest
	DigestFunction integrity.Algorithm

	localStore store.LocalStore
}

func New(digest integrity.Digest, digestFunction integrity.Algorithm, localStore store.LocalStore) *Artifact {
	return &Artifact{
		Digest:         digest,
		DigestFunction: digestFunction,
		localStore:     localStore,
	}
}

// Open returns a reader over the verified bytes.
// The caller is responsible for closing the reader.
func (a *Artifact) Open(ctx context.Context) (io.ReadCloser, error) {
	return a.localStore.ReadStream(ctx, a.Digest, a.DigestFunction, 0, 0)
}

// PackageSet decodes the artifact and returns the namespace of files it
// contains. Supported encodings are tar, tar.gz, tar.zst and tar.xz;
// a blob that is not an archive becomes a single-entry package set.
func (a *Artifact) PackageSet(ctx context.Context) (*PackageSet, error) {
	reader, err := a.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return Decode(reader)
}

// Entry is a single file inside a package set.
type Entry struct {
	Data []byte
	Mode fs.FileMode
}

// PackageSet is the imported artifact: a flat namespace mapping
// slash-separated archive paths to file entries.
type PackageSet struct {
	entries map[string]Entry
}

// Names returns the entry names in stable order.
func (p *PackageSet) Names() []string {
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the entry with the given name.
func (p *PackageSet) Lookup(name string) (Entry, bool) {
	entry, ok := p.entries[name]
	return entry, ok
}

// Open returns a reader over a single entry.
func (p *PackageSet) Open(name string) (io.Reader, error) {
	entry, ok := p.entries[name]
	if !ok {
		return nil, fmt.Errorf("no entry %q in package set", name)
	}
	return bytes.NewReader(entry.Data), nil
}

// Len returns the number of entries.
func (p *PackageSet) Len() int {
	return len(p.entries)
}

// Extract materializes the package set into the given directory,
// preserving file modes.
func (p *PackageSet) Extract(destDir string) error {
	for name, entry := range p.entries {
		target := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, entry.Data, entry.Mode.Perm()); err != nil {
			return err
		}
	}
	return nil
}

// singleFileEntryName is the name of the sole entry of a package set
// built from a blob that is not an archive.
const singleFileEntryName = "content"

// Decode reads a blob and builds the package set. Archives (tar, with
// optional gzip, zstd or xz compression) become one entry per file;
// any other blob passes through as a package set with a single entry.
func Decode(reader io.Reader) (*PackageSet, error) {
	decompressed, err := decompress(reader)
	if err != nil {
		return nil, &ImportError{Err: err}
	}
	data, err := io.ReadAll(decompressed)
	if err != nil {
		return nil, &ImportError{Err: err}
	}
	if len(data) == 0 {
		return nil, &ImportError{Err: fmt.Errorf("blob is empty")}
	}

	if !isTar(data) {
		return &PackageSet{entries: map[string]Entry{
			singleFileEntryName: {Data: data, Mode: 0o644},
		}}, nil
	}

	entries := map[string]Entry{}
	tarReader := tar.NewReader(bytes.NewReader(data))
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ImportError{Err: err}
		}
		name, ok := canonicalEntryName(header.Name)
		if !ok {
			return nil, &ImportError{Err: fmt.Errorf("archive entry %q escapes the package set", header.Name)}
		}
		switch header.Typeflag {
		case tar.TypeReg:
			data, err := io.ReadAll(tarReader)
			if err != nil {
				return nil, &ImportError{Err: err}
			}
			entries[name] = Entry{Data: data, Mode: header.FileInfo().Mode()}
		case tar.TypeDir, tar.TypeSymlink, tar.TypeLink, tar.TypeXGlobalHeader:
			// directories are implied by entry names;
			// links are not part of the namespace
		default:
			return nil, &ImportError{Err: fmt.Errorf("archive entry %q has unsupported type %d", header.Name, header.Typeflag)}
		}
	}
	if len(entries) == 0 {
		return nil, &ImportError{Err: fmt.Errorf("archive contains no files")}
	}
	return &PackageSet{entries: entries}, nil
}

// tarMagicOffset is where the "ustar" magic sits in a tar header.
const tarMagicOffset = 257

// isTar reports whether the blob starts with a tar header.
func isTar(data []byte) bool {
	if len(data) < tarMagicOffset+5 {
		return false
	}
	return bytes.Equal(data[tarMagicOffset:tarMagicOffset+5], []byte("ustar"))
}

// canonicalEntryName normalizes an archive entry name to a
// slash-separated relative path and rejects traversal.
func canonicalEntryName(name string) (string, bool) {
	cleaned := filepath.ToSlash(filepath.Clean(name))
	if cleaned == "." || cleaned == "" {
		return "", false
	}
	if strings.HasPrefix(cleaned, "/") || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

func decompress(reader io.Reader) (io.Reader, error) {
	buffered := bufio.NewReader(reader)
	magic, err := buffered.Peek(6)
	if err != nil && err != io.EOF {
		return nil, err
	}

	switch {
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		return gzip.NewReader(buffered)
	case len(magic) >= 4 && bytes.Equal(magic[:4], []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zstdReader, err := zstd.NewReader(buffered)
		if err != nil {
			return nil, err
		}
		return zstdReader.IOReadCloser(), nil
	case len(magic) >= 6 && bytes.Equal(magic[:6], []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return xz.NewReader(buffered)
	}
	// no compression magic: assume a plain tar archive
	return buffered, nil
}
