package output

import (
	"database/sql"
	"path/filepath"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"school-gradients/internal/models"
)

const databaseFile = "gradients.db"

const sqliteSchema = `
CREATE TABLE partitions (
	name            TEXT PRIMARY KEY,
	grp             TEXT NOT NULL,
	lo_km           REAL,
	hi_km           REAL,
	count           INTEGER NOT NULL,
	distance_min    REAL NOT NULL,
	distance_max    REAL NOT NULL,
	distance_mean   REAL NOT NULL,
	difference_min  REAL NOT NULL,
	difference_max  REAL NOT NULL,
	difference_mean REAL NOT NULL,
	gradient_min    REAL NOT NULL,
	gradient_max    REAL NOT NULL,
	gradient_mean   REAL NOT NULL
);

CREATE TABLE matches (
	partition         TEXT NOT NULL REFERENCES partitions(name),
	rank              INTEGER NOT NULL,
	school_1_id       TEXT NOT NULL,
	school_1_name     TEXT,
	school_1_category TEXT NOT NULL,
	school_1_index    INTEGER NOT NULL,
	school_1_lat      REAL NOT NULL,
	school_1_lon      REAL NOT NULL,
	school_2_id       TEXT NOT NULL,
	school_2_name     TEXT,
	school_2_category TEXT NOT NULL,
	school_2_index    INTEGER NOT NULL,
	school_2_lat      REAL NOT NULL,
	school_2_lon      REAL NOT NULL,
	difference        INTEGER NOT NULL,
	distance_km       REAL NOT NULL,
	gradient          REAL NOT NULL,
	PRIMARY KEY (partition, rank)
);

CREATE INDEX idx_matches_gradient ON matches(gradient);
`

func writeSQLite(dir string, r *models.Report) (err error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, databaseFile))
	if err != nil {
		return eris.Wrap(err, "sqlite: open")
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = eris.Wrap(cerr, "sqlite: close")
		}
	}()

	if _, err := db.Exec(sqliteSchema); err != nil {
		return eris.Wrap(err, "sqlite: create schema")
	}

	tx, err := db.Begin()
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	if err := insertPartitions(tx, r.Partitions); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func insertPartitions(tx *sql.Tx, parts []models.Partition) error {
	partStmt, err := tx.Prepare(`INSERT INTO partitions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare partitions")
	}
	defer partStmt.Close()

	matchStmt, err := tx.Prepare(`INSERT INTO matches VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare matches")
	}
	defer matchStmt.Close()

	for _, p := range parts {
		var lo, hi sql.NullFloat64
		if p.Range != nil {
			lo = sql.NullFloat64{Float64: p.Range.Lo, Valid: true}
			hi = sql.NullFloat64{Float64: p.Range.Hi, Valid: true}
		}
		s := p.Stats
		if _, err := partStmt.Exec(p.Name, p.Group, lo, hi, s.Count,
			s.DistanceKm.Min, s.DistanceKm.Max, s.DistanceKm.Mean,
			s.Difference.Min, s.Difference.Max, s.Difference.Mean,
			s.Gradient.Min, s.Gradient.Max, s.Gradient.Mean,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert partition %s", p.Name)
		}

		for i, m := range p.Matches {
			if _, err := matchStmt.Exec(p.Name, i+1,
				m.A.ID, m.A.Name, m.A.Category, m.A.Index, m.A.Lat, m.A.Lon,
				m.B.ID, m.B.Name, m.B.Category, m.B.Index, m.B.Lat, m.B.Lon,
				m.Difference, m.DistanceKm, m.Gradient,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert match %d of %s", i+1, p.Name)
			}
		}
	}
	return nil
}
