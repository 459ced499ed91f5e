package dataset

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"school-gradients/internal/excel"
	"school-gradients/internal/models"
)

// Columns names the source column behind each record field.
type Columns struct {
	ID       string `yaml:"id" mapstructure:"id"`
	Name     string `yaml:"name" mapstructure:"name"`
	Category string `yaml:"category" mapstructure:"category"`
	Index    string `yaml:"index" mapstructure:"index"`
	Lat      string `yaml:"lat" mapstructure:"lat"`
	Lon      string `yaml:"lon" mapstructure:"lon"`
	Address  string `yaml:"address" mapstructure:"address"`
}

type LoadOptions struct {
	Columns   Columns
	Sheet     string // xlsx only; empty means first sheet
	Delimiter rune   // csv only; zero means ','
	Encoding  string // csv and json; WHATWG label, empty means utf-8
}

// Load reads a school list from path, choosing the parser by file extension.
func Load(path string, opts LoadOptions) ([]models.RawRecord, error) {
	var (
		records []models.RawRecord
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		records, err = loadWith(path, opts, ReadJSON)
	case ".csv", ".tsv", ".txt":
		if ext == ".tsv" && opts.Delimiter == 0 {
			opts.Delimiter = '\t'
		}
		records, err = loadWith(path, opts, ReadCSV)
	case ".xlsx", ".xlsm":
		var rows [][]string
		rows, err = excel.ReadRows(path, opts.Sheet)
		if err == nil {
			records, err = FromRows(rows, opts.Columns)
		}
	default:
		return nil, eris.Errorf("dataset: unsupported input format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("dataset: loaded schools", zap.String("path", path), zap.Int("records", len(records)))
	return records, nil
}

func loadWith(path string, opts LoadOptions, read func(io.Reader, LoadOptions) ([]models.RawRecord, error)) ([]models.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: open %s", path)
	}
	defer f.Close()

	r, err := decodeReader(f, opts.Encoding)
	if err != nil {
		return nil, err
	}
	return read(r, opts)
}

// decodeReader converts legacy encodings (the ministry CSVs ship as latin1) to UTF-8.
func decodeReader(r io.Reader, label string) (io.Reader, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: unknown encoding %q", label)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// ReadJSON reads an array of flat objects. Values may be strings or numbers.
// A key missing from a single object reads as blank, so that school is reported
// by Prepare; a required key missing from every object is a mapping error.
func ReadJSON(r io.Reader, opts LoadOptions) ([]models.RawRecord, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var objects []map[string]interface{}
	if err := dec.Decode(&objects); err != nil {
		return nil, eris.Wrap(err, "dataset: decode json")
	}

	present := make(map[string]bool)
	records := make([]models.RawRecord, 0, len(objects))
	for i, obj := range objects {
		fields := make(map[string]string, len(obj))
		for k, v := range obj {
			key := NormalizeLabel(k)
			fields[key] = jsonString(v)
			present[key] = true
		}
		get := func(col string) string {
			return fields[NormalizeLabel(col)]
		}
		records = append(records, models.RawRecord{
			ID:       get(opts.Columns.ID),
			Name:     get(opts.Columns.Name),
			Category: get(opts.Columns.Category),
			Index:    get(opts.Columns.Index),
			Lat:      get(opts.Columns.Lat),
			Lon:      get(opts.Columns.Lon),
			Address:  get(opts.Columns.Address),
			Row:      i + 1,
		})
	}

	if len(objects) > 0 {
		header := make([]string, 0, len(present))
		for k := range present {
			header = append(header, k)
		}
		if _, err := resolveColumns(header, opts.Columns); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func jsonString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// ReadCSV reads a delimited file whose first row is the header.
func ReadCSV(r io.Reader, opts LoadOptions) ([]models.RawRecord, error) {
	cr := csv.NewReader(r)
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "dataset: read csv")
	}
	return FromRows(rows, opts.Columns)
}

// FromRows maps a header row plus data rows onto records.
func FromRows(rows [][]string, cols Columns) ([]models.RawRecord, error) {
	if len(rows) == 0 {
		return nil, eris.New("dataset: input has no header row")
	}
	header := rows[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	idx, err := resolveColumns(header, cols)
	if err != nil {
		return nil, err
	}

	records := make([]models.RawRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		get := func(pos int) string {
			if pos < 0 || pos >= len(row) {
				return ""
			}
			return row[pos]
		}
		records = append(records, idx.record(get, i+1))
	}
	return records, nil
}

// columnIndex holds the header position of each field, -1 when absent.
type columnIndex struct {
	id, name, category, index, lat, lon, address int
}

func resolveColumns(header []string, cols Columns) (*columnIndex, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		key := NormalizeLabel(h)
		if _, dup := pos[key]; !dup {
			pos[key] = i
		}
	}

	var missing []string
	find := func(name string, required bool) int {
		if name == "" {
			if required {
				missing = append(missing, "<unset>")
			}
			return -1
		}
		if i, ok := pos[NormalizeLabel(name)]; ok {
			return i
		}
		if required {
			missing = append(missing, name)
		}
		return -1
	}

	ci := &columnIndex{
		id:       find(cols.ID, true),
		name:     find(cols.Name, false),
		category: find(cols.Category, true),
		index:    find(cols.Index, true),
		lat:      find(cols.Lat, true),
		lon:      find(cols.Lon, true),
		address:  find(cols.Address, false),
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("dataset: missing required columns: %s", strings.Join(missing, ", "))
	}
	return ci, nil
}

func (c *columnIndex) record(get func(int) string, row int) models.RawRecord {
	return models.RawRecord{
		ID:       get(c.id),
		Name:     get(c.name),
		Category: get(c.category),
		Index:    get(c.index),
		Lat:      get(c.lat),
		Lon:      get(c.lon),
		Address:  get(c.address),
		Row:      row,
	}
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
