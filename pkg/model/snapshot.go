package model

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// SnapshotFile is the file name of the record copy kept in every model directory.
const SnapshotFile = "hyperparameters.json"

// SaveToDir writes h into dir/hyperparameters.json.
func (h HComb) SaveToDir(dir string) error {
	bs, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling hcomb")
	}
	path := filepath.Join(dir, SnapshotFile)
	if err := os.WriteFile(path, bs, 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// LoadFromDir reads the record written by SaveToDir.
func LoadFromDir(dir string) (HComb, error) {
	path := filepath.Join(dir, SnapshotFile)
	bs, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return HComb{}, errors.Wrapf(err, "reading %s", path)
	}
	var h HComb
	if err := json.Unmarshal(bs, &h); err != nil {
		return HComb{}, errors.Wrapf(err, "parsing %s", path)
	}
	return h, nil
}
