package output

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"school-gradients/internal/models"
)

const (
	FormatJSON    = "json"
	FormatGeoJSON = "geojson"
	FormatXLSX    = "xlsx"
	FormatSQLite  = "sqlite"
)

// sink writes one output format into dir.
type sink func(dir string, r *models.Report) error

var sinks = map[string]sink{
	FormatJSON:    writeJSON,
	FormatGeoJSON: writeGeoJSON,
	FormatXLSX:    writeXLSX,
	FormatSQLite:  writeSQLite,
}

// Supported reports whether format names a known output sink.
func Supported(format string) bool {
	_, ok := sinks[format]
	return ok
}

// manifestFile lists the files the previous Write put into dir. Only those are
// ever removed from dir.
const manifestFile = ".gradients-manifest"

// Write renders the report in every requested format. Files are staged in a
// hidden directory inside dir and moved into place only once every sink
// succeeded, so a failed run leaves dir as it was. Files from the previous run
// that this run no longer produces are removed; anything else in dir is left
// alone. It returns the written file names, sorted.
func Write(dir string, r *models.Report, formats []string) ([]string, error) {
	for _, f := range formats {
		if !Supported(f) {
			return nil, eris.Errorf("output: unknown format %q", f)
		}
	}
	if err := checkFileNames(r.Partitions); err != nil {
		return nil, err
	}

	dir = filepath.Clean(dir)
	_, statErr := os.Stat(dir)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "output: create %s", dir)
	}
	staging := filepath.Join(dir, ".staging-"+uuid.New().String())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return nil, eris.Wrapf(err, "output: create staging dir")
	}

	done := false
	defer func() {
		_ = os.RemoveAll(staging)
		if !done && created {
			_ = os.Remove(dir)
		}
	}()

	seen := make(map[string]bool, len(formats))
	for _, f := range formats {
		if seen[f] {
			continue
		}
		seen[f] = true
		if err := sinks[f](staging, r); err != nil {
			return nil, eris.Wrapf(err, "output: write %s", f)
		}
	}

	files, err := listFiles(staging)
	if err != nil {
		return nil, err
	}
	if err := publish(staging, dir, files); err != nil {
		return nil, err
	}
	done = true

	zap.L().Info("output: written",
		zap.String("dir", dir),
		zap.Strings("formats", formats),
		zap.Int("files", len(files)),
	)
	return files, nil
}

// publish moves the staged files into dir, drops files of the previous run that
// were not produced again and records the new manifest.
func publish(staging, dir string, files []string) error {
	for _, name := range files {
		if info, err := os.Lstat(filepath.Join(dir, name)); err == nil && !info.Mode().IsRegular() {
			return eris.Errorf("output: %s exists in %s and is not a regular file", name, dir)
		}
	}

	previous, err := readManifest(dir)
	if err != nil {
		return err
	}

	current := make(map[string]bool, len(files))
	for _, name := range files {
		current[name] = true
		if err := os.Rename(filepath.Join(staging, name), filepath.Join(dir, name)); err != nil {
			return eris.Wrapf(err, "output: move %s into %s", name, dir)
		}
	}

	for _, name := range previous {
		if current[name] || !ownedName(name) {
			continue
		}
		path := filepath.Join(dir, name)
		if info, err := os.Lstat(path); err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := os.Remove(path); err != nil {
			return eris.Wrapf(err, "output: remove stale %s", name)
		}
	}

	tmp := filepath.Join(staging, manifestFile)
	if err := os.WriteFile(tmp, []byte(strings.Join(files, "\n")+"\n"), 0o644); err != nil {
		return eris.Wrap(err, "output: write manifest")
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		return eris.Wrap(err, "output: move manifest")
	}
	return nil
}

func readManifest(dir string) ([]string, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "output: read manifest")
	}
	var names []string
	for _, line := range strings.Split(string(b), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// ownedName accepts only plain, visible base names, so a tampered manifest
// cannot reach outside dir or into its subdirectories.
func ownedName(name string) bool {
	return name == filepath.Base(name) && !strings.HasPrefix(name, ".")
}

// checkFileNames rejects partitions whose file names would collide, including
// with summary.json, on case-insensitive file systems too.
func checkFileNames(parts []models.Partition) error {
	used := map[string]string{strings.TrimSuffix(summaryFile, ".json"): "summary"}
	for _, p := range parts {
		key := strings.ToLower(fileName(p.Name))
		if other, ok := used[key]; ok {
			return eris.Errorf("output: partitions %q and %q map to the same file name %q", other, p.Name, fileName(p.Name))
		}
		used[key] = p.Name
	}
	return nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "output: list %s", dir)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// fileName turns a partition name into a safe file base name.
func fileName(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	clean = strings.TrimLeft(clean, ".")
	if clean == "" {
		return "partition"
	}
	return clean
}
