package excel

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"

	"school-gradients/internal/models"
)

const (
	summarySheet  = "Summary"
	maxSheetName  = 31
	defaultSheet  = "Sheet1"
	invalidSheets = `:\/?*[]`
)

// ReadRows returns every row of the named sheet, header included. An empty
// sheet name selects the first sheet of the workbook.
func ReadRows(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "excel: open %s", path)
	}
	defer f.Close()

	if sheet == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			return nil, eris.Errorf("excel: %s has no sheets", path)
		}
		sheet = list[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, eris.Wrapf(err, "excel: read sheet %q", sheet)
	}
	return rows, nil
}

// WritePartitions writes a workbook with a summary sheet followed by one sheet
// per partition, in partition order.
func WritePartitions(path string, parts []models.Partition) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(defaultSheet, summarySheet); err != nil {
		return eris.Wrap(err, "excel: rename default sheet")
	}
	if err := writeSummary(f, parts); err != nil {
		return err
	}

	used := map[string]bool{strings.ToLower(summarySheet): true}
	for _, p := range parts {
		name := sheetName(p.Name, used)
		if _, err := f.NewSheet(name); err != nil {
			return eris.Wrapf(err, "excel: create sheet %q", name)
		}
		if err := writeMatches(f, name, p.Matches); err != nil {
			return err
		}
	}

	f.SetActiveSheet(0)
	if err := f.SaveAs(path); err != nil {
		return eris.Wrapf(err, "excel: save %s", path)
	}
	return nil
}

func writeSummary(f *excelize.File, parts []models.Partition) error {
	// Use Stream Writer for performance
	sw, err := f.NewStreamWriter(summarySheet)
	if err != nil {
		return eris.Wrap(err, "excel: summary stream writer")
	}

	headers := []interface{}{
		"Partition", "Group", "From (km)", "To (km)", "Pairs",
		"Distance min", "Distance max", "Distance mean",
		"Difference min", "Difference max", "Difference mean",
		"Gradient min", "Gradient max", "Gradient mean",
	}
	if err := sw.SetRow("A1", headers); err != nil {
		return eris.Wrap(err, "excel: summary header")
	}

	for i, p := range parts {
		var lo, hi interface{} = "", ""
		if p.Range != nil {
			lo, hi = p.Range.Lo, p.Range.Hi
		}
		s := p.Stats
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []interface{}{
			p.Name, p.Group, lo, hi, s.Count,
			s.DistanceKm.Min, s.DistanceKm.Max, s.DistanceKm.Mean,
			s.Difference.Min, s.Difference.Max, s.Difference.Mean,
			s.Gradient.Min, s.Gradient.Max, s.Gradient.Mean,
		}
		if err := sw.SetRow(cell, row); err != nil {
			return eris.Wrapf(err, "excel: summary row %d", i+2)
		}
	}
	return eris.Wrap(sw.Flush(), "excel: flush summary")
}

func writeMatches(f *excelize.File, sheet string, matches []models.MatchRecord) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return eris.Wrapf(err, "excel: stream writer %q", sheet)
	}

	headers := []interface{}{
		"Rank",
		"School 1 ID", "School 1 Name", "School 1 Category", "School 1 Index", "School 1 Lat", "School 1 Lon",
		"School 2 ID", "School 2 Name", "School 2 Category", "School 2 Index", "School 2 Lat", "School 2 Lon",
		"Difference", "Distance (km)", "Gradient",
	}
	if err := sw.SetRow("A1", headers); err != nil {
		return eris.Wrapf(err, "excel: header %q", sheet)
	}

	for i, m := range matches {
		rowNum := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, rowNum)
		row := []interface{}{
			i + 1,
			m.A.ID, m.A.Name, m.A.Category, m.A.Index, m.A.Lat, m.A.Lon,
			m.B.ID, m.B.Name, m.B.Category, m.B.Index, m.B.Lat, m.B.Lon,
			m.Difference, m.DistanceKm, m.Gradient,
		}
		if err := sw.SetRow(cell, row); err != nil {
			return eris.Wrapf(err, "excel: row %d of %q", rowNum, sheet)
		}
	}
	return eris.Wrapf(sw.Flush(), "excel: flush %q", sheet)
}

// sheetName turns a partition name into a unique, valid worksheet name.
func sheetName(name string, used map[string]bool) string {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalidSheets, r) {
			return '_'
		}
		return r
	}, name)
	if clean == "" {
		clean = "partition"
	}
	clean = truncate(clean, maxSheetName)

	candidate := clean
	for n := 2; used[strings.ToLower(candidate)]; n++ {
		suffix := fmt.Sprintf("~%d", n)
		candidate = truncate(clean, maxSheetName-len(suffix)) + suffix
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
