package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cropsoil/internal/config"
	"github.com/sells-group/cropsoil/internal/fetcher"
	"github.com/sells-group/cropsoil/internal/model"
)

// ManifestName is the manifest file written to the output directory.
const ManifestName = "manifest.yaml"

// ManifestEntry describes the latest run of one stage.
type ManifestEntry struct {
	RunID        string          `yaml:"run_id"`
	Status       model.RunStatus `yaml:"status"`
	Counts       model.RunCounts `yaml:"counts"`
	ConfigDigest string          `yaml:"config_digest"`
	StartedAt    time.Time       `yaml:"started_at"`
	FinishedAt   *time.Time      `yaml:"finished_at,omitempty"`
}

// Manifest maps a stage to its latest run.
type Manifest map[model.Stage]ManifestEntry

// ConfigDigest returns the hex SHA-256 of cfg rendered as YAML.
func ConfigDigest(cfg *config.Config) (string, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: marshal config")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ReadManifest reads {dir}/manifest.yaml. A missing file is an empty
// manifest.
func ReadManifest(dir string) (Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read %s", path)
	}
	m := Manifest{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse %s", path)
	}
	return m, nil
}

// WriteManifest replaces the entry for run's stage in {dir}/manifest.yaml.
func WriteManifest(dir string, cfg *config.Config, run *model.Run) error {
	if dir == "" {
		return nil
	}
	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	digest, err := ConfigDigest(cfg)
	if err != nil {
		return err
	}
	m[run.Stage] = ManifestEntry{
		RunID:        run.ID,
		Status:       run.Status,
		Counts:       run.Counts,
		ConfigDigest: digest,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal manifest")
	}
	path := filepath.Join(dir, ManifestName)
	if _, err := fetcher.WriteFileAtomic(path, bytes.NewReader(b)); err != nil {
		return eris.Wrapf(err, "pipeline: write %s", path)
	}
	return nil
}
