// Package snapshot writes event snapshots to the configured directory.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const timestampFormat = "2006-01-02_15-04"

type Store struct {
	dir string
	log zerolog.Logger
}

func NewStore(dir string, log zerolog.Logger) *Store {
	return &Store{dir: dir, log: log}
}

// Save writes the image as <camera>_<plate>_<timestamp>.png; events
// without a plate get a plate-less name.
func (s *Store) Save(camera, plateNumber string, ts time.Time, image []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.png", camera, ts.Format(timestampFormat))
	if plateNumber != "" {
		name = fmt.Sprintf("%s_%s_%s.png", camera, plateNumber, ts.Format(timestampFormat))
	}
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, image, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.log.Debug().Str("path", path).Msg("saved snapshot")
	return nil
}
