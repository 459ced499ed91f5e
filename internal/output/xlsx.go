package output

import (
	"path/filepath"

	"school-gradients/internal/excel"
	"school-gradients/internal/models"
)

const workbookFile = "gradients.xlsx"

func writeXLSX(dir string, r *models.Report) error {
	return excel.WritePartitions(filepath.Join(dir, workbookFile), r.Partitions)
}
