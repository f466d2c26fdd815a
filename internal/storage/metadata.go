package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/factfeed/factfeed/internal/errors"
	"github.com/factfeed/factfeed/internal/facts"
)

const (
	partitionIndexFile = "parquet_files.json"
	freshnessFile      = "data_freshness.json"
)

// loadMetadata reads both sidecars into the in-memory indexes. A
// missing sidecar is not an error; the store starts empty.
func (m *Manager) loadMetadata() error {
	if err := readJSONFile(filepath.Join(m.metaDir, partitionIndexFile), &m.partitions); err != nil {
		return err
	}
	if err := readJSONFile(filepath.Join(m.metaDir, freshnessFile), &m.freshness); err != nil {
		return err
	}

	// Drop index entries whose files vanished out from under us.
	for ticker, parts := range m.partitions {
		kept := parts[:0]
		for i := range parts {
			if _, err := os.Stat(parts[i].Path); err == nil {
				kept = append(kept, parts[i])
			} else {
				log.Warn("dropping stale partition index entry", "partition", parts[i].String())
			}
		}
		if len(kept) == 0 {
			delete(m.partitions, ticker)
		} else {
			m.partitions[ticker] = kept
		}
	}

	return nil
}

// saveMetadataLocked serializes both sidecars. Caller holds m.mu.
//
// Each file is committed atomically: written to a temp file in the
// same directory, fsynced, then renamed over the target. Readers never
// observe a torn sidecar.
func (m *Manager) saveMetadataLocked() error {
	if err := WriteJSONAtomic(filepath.Join(m.metaDir, partitionIndexFile), m.partitions); err != nil {
		return errors.NewStorage("save partition index", err)
	}
	if err := WriteJSONAtomic(filepath.Join(m.metaDir, freshnessFile), m.freshness); err != nil {
		return errors.NewStorage("save freshness index", err)
	}
	return nil
}

// FreshnessAll returns a copy of every freshness record, keyed by
// ticker.
func (m *Manager) FreshnessAll() map[string]facts.Freshness {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]facts.Freshness, len(m.freshness))
	for k, v := range m.freshness {
		out[k] = v
	}
	return out
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// WriteJSONAtomic writes v as indented JSON via temp file, fsync and
// rename. Readers never observe a partial file.
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
