package output

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"school-gradients/internal/models"
)

const summaryFile = "summary.json"

func writeJSON(dir string, r *models.Report) error {
	for _, p := range r.Partitions {
		matches := p.Matches
		if matches == nil {
			matches = []models.MatchRecord{}
		}
		if err := writeJSONFile(filepath.Join(dir, fileName(p.Name)+".json"), matches); err != nil {
			return err
		}
	}
	return writeJSONFile(filepath.Join(dir, summaryFile), r)
}

func writeJSONFile(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "output: marshal %s", filepath.Base(path))
	}
	b = append(b, '\n')
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return eris.Wrapf(err, "output: write %s", path)
	}
	return nil
}
