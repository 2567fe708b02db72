package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/srcpin/srcpin/integrity"
)

// Disk is a local content-addressed store that keeps blobs on disk.
// Blobs are staged in a per-algorithm staging directory, verified against
// their digest, and atomically renamed into place, so concurrent resolvers
// (including independent processes) cannot corrupt the store.
type Disk struct {
	rootDir string
}

// NewDisk creates a new Disk store rooted at the given directory.
func NewDisk(rootDir string) (*Disk, error) {
	disk := &Disk{rootDir: rootDir}
	if err := disk.initializeStoreDir(); err != nil {
		return nil, err
	}
	return disk, nil
}

func (d *Disk) FindMissingBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) ([]integrity.Digest, error) {
	missing := make([]integrity.Digest, 0, len(blobDigests))
	for _, digest := range blobDigests {
		fileInfo, err := os.Stat(d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction)))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			missing = append(missing, digest)
		}
		if fileInfo != nil && fileInfo.IsDir() {
			// our store is corrupted
			return nil, fmt.Errorf("blob path %s is a directory", d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction)))
		}
	}
	return missing, nil
}

// Contains reports whether a blob for the given checksum is present.
func (d *Disk) Contains(checksum integrity.Checksum) (int64, bool) {
	fileInfo, err := os.Stat(d.blobPath(checksum))
	if err != nil || fileInfo.IsDir() {
		return 0, false
	}
	return fileInfo.Size(), true
}

func (d *Disk) BatchReadBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) (BatchReadBlobsResponse, error) {
	responses := make(BatchReadBlobsResponse, 0, len(blobDigests))
	for _, digest := range blobDigests {
		data, err := os.ReadFile(d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction)))
		if err != nil && os.IsNotExist(err) {
			responses = append(responses, ReadBlobsResponse{
				Digest: digest,
				Status: Status{Code: Status_NOT_FOUND},
			})
			continue
		} else if err != nil {
			responses = append(responses, ReadBlobsResponse{
				Digest: digest,
				Status: Status{Code: Status_UNKNOWN, Message: err.Error()},
			})
			continue
		}
		responses = append(responses, ReadBlobsResponse{
			Digest: digest,
			Data:   data,
			Status: Status{Code: Status_OK},
		})
	}
	var issues int
	for _, response := range responses {
		if response.Status.Code != Status_OK {
			issues++
		}
	}
	if issues > 0 {
		return responses, BatchResponseHasNonZeroStatus
	}
	return responses, nil
}

func (d *Disk) BatchUpdateBlobs(ctx context.Context, blobData DigestsAndData, digestFunction integrity.Algorithm) (BatchUpdateBlobsResponse, error) {
	responses := make(BatchUpdateBlobsResponse, 0, len(blobData))
	for _, item := range blobData {
		status := d.writeBlob(item, digestFunction)
		responses = append(responses, UpdateBlobsResponse{item.Digest, status})
	}
	var issues int
	for _, response := range responses {
		if response.Status.Code != Status_OK {
			issues++
		}
	}
	if issues > 0 {
		return responses, BatchResponseHasNonZeroStatus
	}
	return responses, nil
}

func (d *Disk) writeBlob(item DigestAndData, digestFunction integrity.Algorithm) Status {
	staging, err := d.stagingFile(item.Digest, digestFunction)
	if err != nil {
		return Status{Code: Status_INTERNAL, Message: err.Error()}
	}

	if _, err := staging.Write(item.Data); err != nil {
		staging.Close()
		return statusFromOSError(err)
	}
	if err := staging.Close(); err != nil {
		return statusFromOSError(err)
	}
	return Status{Code: Status_OK}
}

func statusFromOSError(err error) Status {
	if os.IsPermission(err) {
		return Status{Code: Status_PERMISSION_DENIED, Message: err.Error()}
	}
	return Status{Code: Status_INTERNAL, Message: err.Error()}
}

func (d *Disk) ReadStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (io.ReadCloser, error) {
	file, err := os.Open(d.blobPath(integrity.ChecksumFromDigest(blobDigest, digestFunction)))
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	var limitReader io.Reader
	if limit == 0 {
		// Zero means no limit.
		limitReader = file
	} else {
		limitReader = io.LimitReader(file, limit)
	}
	return struct {
		io.Reader
		io.Closer
	}{limitReader, file}, nil
}

func (d *Disk) WriteStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm) (io.WriteCloser, error) {
	return d.stagingFile(blobDigest, digestFunction)
}

// ImportBlob imports a blob from the given reader.
// The caller must ensure that prevalidatedIntegrity was actually validated
// against the data. If the digest for digestFunction is already known, it
// can be passed as optionalDigest to skip recalculation; otherwise the
// digest is computed while importing.
func (d *Disk) ImportBlob(ctx context.Context, prevalidatedIntegrity integrity.Integrity, optionalDigest integrity.Digest, digestFunction integrity.Algorithm, data io.Reader) (integrity.Digest, error) {
	var knownChecksum integrity.Checksum
	if !optionalDigest.Uninitialized() {
		knownChecksum = integrity.ChecksumFromDigest(optionalDigest, digestFunction)
	} else if prevalidatedChecksum, ok := prevalidatedIntegrity.ChecksumForAlgorithm(digestFunction); ok {
		knownChecksum = prevalidatedChecksum
	} else {
		// no known checksum for the digest function: hash while staging
		return d.importAndHash(ctx, digestFunction, data)
	}
	if knownChecksum.Empty() {
		// we should never get here, but better safe than sorry
		return integrity.Digest{}, errors.New("ImportBlob called without a known checksum")
	}

	targetLocation := d.blobPath(knownChecksum)
	sizeBytes, err := hardlinkOrCopy(data, targetLocation)
	if err != nil {
		return integrity.Digest{}, err
	}

	return integrity.NewDigest(knownChecksum.Hash, sizeBytes, digestFunction), nil
}

func (d *Disk) importAndHash(ctx context.Context, digestFunction integrity.Algorithm, data io.Reader) (integrity.Digest, error) {
	stagingDir := filepath.Join(d.rootDir, digestFunction.String(), "staging")
	tmpFile, err := os.CreateTemp(stagingDir, "import-")
	if err != nil {
		return integrity.Digest{}, err
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	hasher := digestFunction.Hasher()
	n, err := io.Copy(io.MultiWriter(tmpFile, hasher), data)
	if err != nil {
		return integrity.Digest{}, err
	}
	if err := tmpFile.Close(); err != nil {
		return integrity.Digest{}, err
	}

	digest := integrity.NewDigest(hasher.Sum(nil), n, digestFunction)
	finalPath := d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction))
	if err := os.Rename(tmpFile.Name(), finalPath); err != nil {
		return integrity.Digest{}, err
	}
	return digest, nil
}

// blobPath returns the path to the blob with the given checksum.
// The directory structure is compatible with Bazel's local cache layout,
// with a subdirectory per digest function:
//
//	<rootDir>/<digestFunction>/cas/<first 2 hex>/<hex>
func (d *Disk) blobPath(checksum integrity.Checksum) string {
	hex := checksum.Hex()
	return filepath.Join(d.rootDir, checksum.Algorithm.String(), "cas", hex[:2], hex)
}

func (d *Disk) stagingFile(digest integrity.Digest, digestFunction integrity.Algorithm) (WriterAtCloser, error) {
	hex := digest.Hex(digestFunction)
	dir := filepath.Join(d.rootDir, digestFunction.String(), "staging")
	tmpfile, err := os.CreateTemp(dir, hex+"-")
	if err != nil {
		return nil, err
	}
	// try to preallocate the file to the expected size
	_ = tmpfile.Truncate(digest.SizeBytes)
	return &blobFinalizer{
		File:        tmpfile,
		stagingPath: tmpfile.Name(),
		finalPath:   d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction)),

		digest:         digest,
		digestFunction: digestFunction,
	}, nil
}

func (d *Disk) initializeStoreDir() error {
	// <rootDir>/<digestFunction>/cas/<first 2 hex>/
	// <rootDir>/<digestFunction>/staging/
	if err := os.MkdirAll(d.rootDir, 0o755); err != nil {
		return err
	}
	for _, digestFunction := range integrity.KnownAlgorithms {
		digestPrefix := filepath.Join(d.rootDir, digestFunction.String())
		if err := os.Mkdir(digestPrefix, 0o755); err != nil && !os.IsExist(err) {
			return err
		}
		if err := os.Mkdir(filepath.Join(digestPrefix, "cas"), 0o755); err != nil && !os.IsExist(err) {
			return err
		}
		for i := 0; i < 256; i++ {
			if err := os.Mkdir(filepath.Join(digestPrefix, "cas", fmt.Sprintf("%02x", i)), 0o755); err != nil && !os.IsExist(err) {
				return err
			}
		}
		if err := os.Mkdir(filepath.Join(digestPrefix, "staging"), 0o755); err != nil && !os.IsExist(err) {
			return err
		}
		// try to clean up the staging directory from any leftover files
		// (this assumes that the directory is only used by this process)
		files, err := os.ReadDir(filepath.Join(digestPrefix, "staging"))
		if err != nil {
			return err
		}
		for _, file := range files {
			if err := os.Remove(filepath.Join(digestPrefix, "staging", file.Name())); err != nil {
				return err
			}
		}
	}

	return nil
}

type blobFinalizer struct {
	*os.File
	stagingPath string
	finalPath   string

	digest         integrity.Digest
	digestFunction integrity.Algorithm
}

// Close verifies the staged bytes against the expected digest and moves the
// file into its content-addressed location. A failed verification removes
// the staged file and never publishes a partial blob.
func (b *blobFinalizer) Close() error {
	b.File.Close()
	defer os.Remove(b.stagingPath)

	validationFile, err := os.OpenFile(b.stagingPath, os.O_RDONLY, 0o444)
	if err != nil {
		return fmt.Errorf("failed to open staging file %s for validation: %w", b.stagingPath, err)
	}
	defer validationFile.Close()
	if err := b.digest.CheckContent(validationFile, b.digestFunction); err != nil {
		return fmt.Errorf("failed to validate staging file %s: %w", b.stagingPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(b.finalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for final blob %s: %w", b.finalPath, err)
	}
	if err := os.Rename(b.stagingPath, b.finalPath); err != nil {
		return fmt.Errorf("failed to rename staging file %s to final blob %s: %w", b.stagingPath, b.finalPath, err)
	}

	return nil
}

func hardlinkOrCopy(source io.Reader, target string) (fileSize int64, err error) {
	defer func() {
		// learn size on function return and cleanup on error
		if err != nil {
			os.Remove(target)
			return
		}
		fileInfo, statErr := os.Stat(target)
		if statErr != nil {
			err = statErr
			return
		}
		fileSize = fileInfo.Size()
	}()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	if sourceFile, ok := source.(*os.File); ok {
		// try to hardlink the file
		if err := os.Link(sourceFile.Name(), target); err == nil {
			return 0, nil
		}
	}
	// if we can't hardlink, we need to copy the file atomically
	tmpFile, err := os.CreateTemp(filepath.Dir(target), "tmp-")
	if err != nil {
		return 0, err
	}
	defer tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	if _, err := io.Copy(tmpFile, source); err != nil {
		return 0, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpFile.Name(), target); err != nil {
		return 0, err
	}
	return 0, nil
}

var _ LocalStore = (*Disk)(nil)
