package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS detections (
		id              BIGSERIAL PRIMARY KEY,
		event_id        TEXT NOT NULL,
		camera          TEXT NOT NULL,
		plate_number    TEXT NOT NULL,
		normalized_plate TEXT NOT NULL,
		original_plate  TEXT,
		score           NUMERIC(5,4),
		fuzzy_score     NUMERIC(5,4),
		method          TEXT NOT NULL,
		source_engine   TEXT NOT NULL,
		detected_at     TIMESTAMPTZ NOT NULL,
		raw_payload     JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_detections_event_id ON detections(event_id);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_normalized_plate ON detections(normalized_plate);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_detected_at ON detections(detected_at);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_camera ON detections(camera);`,
}

// RunMigrations applies the schema statements in order.
func RunMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
