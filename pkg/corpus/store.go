package corpus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/ulikunitz/xz"
)

const (
	extJSON = ".json"
	extXZ   = ".json.xz"
)

func readRecord(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, extXZ) {
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("could not open xz stream: %w", err)
		}
		r = xr
	}
	var rec Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("could not parse: %w", err)
	}
	return &rec, nil
}

// Load reads every record in dir. Records that fail to load are skipped
// and reported in the returned error, next to a corpus of everything else.
func Load(dir string) (*Corpus, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not list corpus: %w", err)
	}

	var records []*Record
	var errs error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, extJSON) || strings.HasSuffix(name, extXZ)) {
			continue
		}
		rec, err := readRecord(filepath.Join(dir, name))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		records = append(records, rec)
	}
	c := New(records)
	glog.V(1).Infof("loaded %d bootloaders (%d devices, %d OEMs)", len(records), len(c.byDevice), len(c.byOEM))
	return c, errs
}

// ErrExists is returned by Save when the record is already stored.
var ErrExists = errors.New("record already exists")

func (r *Record) fileName() string {
	return fmt.Sprintf("%s-%s-%s", r.OEM, r.Device, r.Build)
}

// Save writes r into dir as xz-compressed JSON. Existing records, in
// either encoding, are never overwritten.
func (r *Record) Save(dir string) (string, error) {
	base := filepath.Join(dir, r.fileName())
	for _, ext := range []string{extJSON, extXZ} {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext, ErrExists
		}
	}

	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return "", err
	}
	buf := bytes.NewBuffer(nil)
	w, err := xz.NewWriter(buf)
	if err != nil {
		return "", fmt.Errorf("could not create xz stream: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("could not compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("could not compress: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := base + extXZ
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("could not write: %w", err)
	}
	return path, nil
}
