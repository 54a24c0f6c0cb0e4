package offlinestore

import (
	"os"
	"path/filepath"
)

// SaveToPath atomically writes c's encrypted form to path: write to a
// sibling .tmp file, fsync it, rename over the destination, then fsync the
// parent directory so the rename itself is durable.
func SaveToPath(c *Container, codec *Codec, path string, ctx StoreContext) error {
	encrypted, err := codec.SerializeEncrypted(c, ctx)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return wrapErr(ErrIO, err, "creating temp file: %v", err)
	}
	if _, err := f.Write(encrypted); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return wrapErr(ErrIO, err, "writing temp file: %v", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return wrapErr(ErrIO, err, "fsyncing temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return wrapErr(ErrIO, err, "closing temp file: %v", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return wrapErr(ErrIO, err, "renaming temp file into place: %v", err)
	}

	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	return nil
}

// LoadFromPath loads and decrypts the container at path, returning a fresh
// empty Container if path doesn't exist yet.
func LoadFromPath(codec *Codec, path string, ctx StoreContext) (*Container, error) {
	encrypted, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, wrapErr(ErrIO, err, "reading store file: %v", err)
	}

	if len(encrypted) == 0 {
		return nil, newErr(ErrCorrupted, "empty file")
	}

	return codec.DeserializeEncrypted(encrypted, ctx)
}
