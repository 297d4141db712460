package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/fetcher"
)

// Markers tracks finished counties as empty files named by GID.
type Markers struct {
	dir string
}

// NewMarkers returns the marker set under dir.
func NewMarkers(dir string) *Markers {
	return &Markers{dir: dir}
}

func (m *Markers) path(gid string) string {
	return filepath.Join(m.dir, gid)
}

// Has reports whether gid is marked.
func (m *Markers) Has(gid string) bool {
	if m.dir == "" {
		return false
	}
	_, err := os.Stat(m.path(gid))
	return err == nil
}

// Mark records gid as finished.
func (m *Markers) Mark(gid string) error {
	if m.dir == "" {
		return nil
	}
	if _, err := fetcher.WriteFileAtomic(m.path(gid), strings.NewReader("")); err != nil {
		return eris.Wrapf(err, "pipeline: mark %s", gid)
	}
	return nil
}

// Clear removes every marker.
func (m *Markers) Clear() error {
	if m.dir == "" {
		return nil
	}
	if err := os.RemoveAll(m.dir); err != nil {
		return eris.Wrapf(err, "pipeline: clear markers in %s", m.dir)
	}
	return nil
}
