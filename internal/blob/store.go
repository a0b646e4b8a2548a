package blob

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/pkg/errors"
)

const backupSuffix = ".backup"

// Store persists one JSON record file per (bucket, ref) key under root.
// Records live at <root>/<bucket>/<ref[0:2]>/<ref>.json; the two-character
// prefix shards directories. Replacement is crash-atomic: the previous file
// is parked at a .backup sidecar for the duration of the write, and the read
// path restores the sidecar if a crash left it behind.
//
// The store serializes nothing across calls. Callers must hold the key lock
// for the full read-modify-write cycle; concurrent reads of the same key are
// safe because sidecar recovery is idempotent.
type Store struct {
	root string
}

// NewStore creates the storage root if needed and returns a store over it.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating storage root %s", abs)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) recordPath(bucket, ref string) (string, error) {
	if err := ValidateBucket(bucket); err != nil {
		return "", err
	}
	norm, err := NormalizeRef(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, bucket, norm[0:2], norm+".json"), nil
}

// Read returns the record for a key, or nil when no record exists. A primary
// file that fails to parse is treated as absent unless a sidecar backup can
// be restored first. Only an invalid bucket or ref and real I/O failures
// surface as errors.
func (s *Store) Read(bucket, ref string) (*Record, error) {
	path, err := s.recordPath(bucket, ref)
	if err != nil {
		return nil, err
	}

	// A leftover sidecar means the previous write stopped between parking
	// the old file and removing the sidecar; the sidecar holds the last
	// durable content.
	backup := path + backupSuffix
	if _, err := os.Stat(backup); err == nil {
		if err := os.Rename(backup, path); err != nil {
			return nil, errors.Wrapf(err, "restoring backup for %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "checking backup for %s", path)
	}

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	var rec Record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// Write replaces the record for a key. The previous file, if any, is parked
// at the .backup sidecar until the new content is durably in place.
func (s *Store) Write(bucket, ref string, rec *Record) error {
	path, err := s.recordPath(bucket, ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating shard dir for %s", path)
	}

	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encoding record for %s", path)
	}

	backup := path + backupSuffix
	existed := false
	if _, err := os.Stat(path); err == nil {
		existed = true
		if err := os.Rename(path, backup); err != nil {
			return errors.Wrapf(err, "parking %s", path)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "checking %s", path)
	}

	if err := renameio.WriteFile(path, buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}

	if existed {
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing backup for %s", path)
		}
	}
	return nil
}
