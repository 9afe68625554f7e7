// Package flatfs implements the blob.BlobStore interface on a local
// directory.
package flatfs

import (
	"os"
	"path/filepath"

	"shoal/chunkkey"
	"shoal/datamodel/blob"

	log "github.com/sirupsen/logrus"
)

// Do an indirection to make sure FlatFS implements the required interfaces
var _ blob.BlobStore = (*FlatFS)(nil)

// FlatFS stores one file per blob. The file name is the hexadecimal chunk
// key; the first 4 characters of the key are used as a subdirectory to keep
// directory fan-out bounded. Blob length is inferred from the file length,
// the file on disk stores raw data without any additional metadata.
type FlatFS struct {
	basePath string
}

func New(basePath string) (*FlatFS, error) {
	// Sanitize the basePath
	basePath = filepath.Clean(basePath)

	// Make sure the directory exists and create if missing
	if err := ensureDir(basePath); err != nil {
		return nil, err
	}

	log.Infof("Opened FlatFS at %s", basePath)

	return &FlatFS{basePath: basePath}, nil
}

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

// keyToPath converts a chunk key to its file path within the FlatFS
// structure. It also returns the directory path. Keys are validated hex
// strings, so the joined path cannot escape basePath.
func (f *FlatFS) keyToPath(key chunkkey.Key) (dirPath string, filePath string) {
	keyStr := key.String()

	dirPath = filepath.Join(f.basePath, keyStr[:4])
	filePath = filepath.Join(dirPath, keyStr)

	return dirPath, filePath
}

func (f *FlatFS) Get(key chunkkey.Key) (*blob.Blob, error) {
	_, filePath := f.keyToPath(key)

	data, err := os.ReadFile(filePath)
	if err != nil {
		// os.ReadFile returns an error that os.IsNotExist can check.
		return nil, err
	}

	b := &blob.Blob{
		Key:    key,
		Length: uint64(len(data)),
		Data:   data,
	}

	return b, nil
}

func (f *FlatFS) Has(key chunkkey.Key) (bool, error) {
	_, filePath := f.keyToPath(key)
	stat, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !stat.IsDir(), nil
}

func (f *FlatFS) Put(b *blob.Blob) error {
	if b == nil || b.Key.IsZero() {
		return os.ErrInvalid
	}

	dirPath, filePath := f.keyToPath(b.Key)

	// Ensure the subdirectory exists
	if err := ensureDir(dirPath); err != nil {
		return err
	}

	// os.WriteFile creates the file if it doesn't exist, and truncates it if
	// it does — same-key writes are last-write-wins.
	return os.WriteFile(filePath, b.Data, 0644)
}

func (f *FlatFS) Delete(key chunkkey.Key) error {
	_, filePath := f.keyToPath(key)

	err := os.Remove(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Already absent counts as deleted.
			return nil
		}
		return err
	}
	return nil
}

// Enumerate creates a list of keys of all existing blobs in the FlatFS.
// It scans the directory structure, attempting to parse filenames as chunk
// keys. Warnings are logged for entries that don't conform to the expected
// structure.
func (f *FlatFS) Enumerate() ([]chunkkey.Key, error) {
	var keys []chunkkey.Key

	prefixDirEntries, err := os.ReadDir(f.basePath)
	if err != nil {
		log.Errorf("Error reading base path %s for enumeration: %v", f.basePath, err)
		return nil, err
	}

	for _, prefixDirEntry := range prefixDirEntries {
		if !prefixDirEntry.IsDir() {
			// Expected structure is basePath/prefix/key_filename
			log.Warnf("Skipping non-directory entry in FlatFS base path during enumeration: %s", filepath.Join(f.basePath, prefixDirEntry.Name()))
			continue
		}

		prefixPath := filepath.Join(f.basePath, prefixDirEntry.Name())
		blobFileEntries, err := os.ReadDir(prefixPath)
		if err != nil {
			log.Errorf("Error reading prefix directory %s during enumeration: %v", prefixPath, err)
			// To ensure a complete list or none, we return an error here.
			return nil, err
		}

		for _, blobFileEntry := range blobFileEntries {
			if blobFileEntry.IsDir() {
				log.Warnf("Skipping unexpected subdirectory in prefix %s during enumeration: %s", prefixPath, blobFileEntry.Name())
				continue
			}

			keyStr := blobFileEntry.Name()
			k, parseErr := chunkkey.Parse(keyStr)
			if parseErr != nil {
				log.Warnf("Skipping file %s in prefix %s during enumeration, not a valid chunk key: %v", keyStr, prefixPath, parseErr)
				continue
			}
			keys = append(keys, k)
		}
	}

	return keys, nil
}

func (f *FlatFS) Close() error {
	return nil
}
