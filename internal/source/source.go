// Package source reads customer snapshots and cost and usage report
// files from local paths, http(s) or ftp URLs, in CSV or XLSX form.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/cost-attribution/internal/fault"
	"github.com/sells-group/cost-attribution/internal/model"
)

// Format is a supported tabular file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks the format from the file extension of a path or URL.
func DetectFormat(location string) (Format, error) {
	p := location
	if _, ok := remoteScheme(location); ok {
		u, err := url.Parse(location)
		if err != nil {
			return "", eris.Wrapf(err, "source: parse url %q", location)
		}
		p = path.Base(u.Path)
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("source: unsupported file type %q (want .csv or .xlsx)", location)
	}
}

// remoteScheme returns the lowercased URL scheme of a remote location.
func remoteScheme(location string) (string, bool) {
	scheme, _, ok := strings.Cut(location, "://")
	if !ok {
		return "", false
	}
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "http", "https", "ftp":
		return scheme, true
	}
	return "", false
}

// Summary counts the rows read from one source file.
type Summary struct {
	Location string         `json:"location"`
	Format   Format         `json:"format"`
	Rows     int            `json:"rows"`
	Accepted int            `json:"accepted"`
	Skipped  map[string]int `json:"skipped,omitempty"`
}

func newSummary(location string, format Format) *Summary {
	return &Summary{Location: location, Format: format, Skipped: map[string]int{}}
}

func (s *Summary) skip(reason string) {
	s.Skipped[reason]++
}

// SkippedTotal returns the number of rows skipped for any reason.
func (s *Summary) SkippedTotal() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// Downloader fetches a remote file by URL.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)
	DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error)
}

// Reader opens local and remote tabular sources.
type Reader struct {
	remotes map[string]Downloader
}

// NewReader creates a Reader. http(s) locations are fetched with client;
// a nil client leaves them unsupported.
func NewReader(client *HTTPClient) *Reader {
	r := &Reader{remotes: map[string]Downloader{}}
	if client != nil {
		r.remotes["http"] = client
		r.remotes["https"] = client
	}
	return r
}

// WithFTP enables ftp:// locations.
func (r *Reader) WithFTP(client *FTPClient) *Reader {
	if client != nil {
		r.remotes["ftp"] = client
	}
	return r
}

// downloader returns the Downloader for a remote location, or false for a
// local path.
func (r *Reader) downloader(location string) (Downloader, bool, error) {
	scheme, ok := remoteScheme(location)
	if !ok {
		return nil, false, nil
	}
	d, ok := r.remotes[scheme]
	if !ok {
		return nil, true, eris.Errorf("source: no %s client for %s", scheme, location)
	}
	return d, true, nil
}

// rowSource is the record cursor csvutil decodes from.
type rowSource interface {
	Read() ([]string, error)
}

// open returns a decoder over the first table in location and a cleanup func.
func (r *Reader) open(ctx context.Context, location string) (*csvutil.Decoder, Format, func(), error) {
	format, err := DetectFormat(location)
	if err != nil {
		return nil, "", nil, err
	}

	var (
		rows    rowSource
		cleanup = func() {}
	)
	switch format {
	case FormatCSV:
		body, err := r.openStream(ctx, location)
		if err != nil {
			return nil, "", nil, err
		}
		rows = csv.NewReader(body)
		cleanup = func() { _ = body.Close() }
	case FormatXLSX:
		p, done, err := r.localCopy(ctx, location)
		if err != nil {
			return nil, "", nil, err
		}
		cleanup = done
		sheet, err := readFirstSheet(p)
		if err != nil {
			cleanup()
			return nil, "", nil, err
		}
		rows = sheet
	}

	dec, err := csvutil.NewDecoder(&cleaned{src: rows})
	if err != nil {
		cleanup()
		if errors.Is(err, io.EOF) {
			return nil, "", nil, fault.New(fault.InputValidation, model.Date{}, fmt.Sprintf("%s: file is empty", location))
		}
		return nil, "", nil, eris.Wrapf(err, "source: read header of %s", location)
	}
	return dec, format, cleanup, nil
}

func (r *Reader) openStream(ctx context.Context, location string) (io.ReadCloser, error) {
	d, remote, err := r.downloader(location)
	if err != nil {
		return nil, err
	}
	if remote {
		return d.Download(ctx, location)
	}
	f, err := os.Open(location)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", location)
	}
	return f, nil
}

// localCopy returns a filesystem path for location, downloading remote
// files to a temp file that the returned func removes.
func (r *Reader) localCopy(ctx context.Context, location string) (string, func(), error) {
	d, remote, err := r.downloader(location)
	if err != nil {
		return "", nil, err
	}
	if !remote {
		return location, func() {}, nil
	}
	tmp, err := os.CreateTemp("", "costattr-*.xlsx")
	if err != nil {
		return "", nil, eris.Wrap(err, "source: create temp file")
	}
	_ = tmp.Close()
	done := func() { _ = os.Remove(tmp.Name()) }

	if _, err := d.DownloadToFile(ctx, location, tmp.Name()); err != nil {
		done()
		return "", nil, err
	}
	return tmp.Name(), done, nil
}

// sheetRows serves the rows of one worksheet, padded to the header width.
type sheetRows struct {
	rows  [][]string
	width int
	next  int
}

func readFirstSheet(p string) (*sheetRows, error) {
	f, err := xlsx.OpenFile(p)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open xlsx %s", p)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("source: %s has no sheets", p)
	}

	s := &sheetRows{}
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		blank := true
		for i, cell := range row.Cells {
			cells[i] = cell.String()
			if strings.TrimSpace(cells[i]) != "" {
				blank = false
			}
		}
		if blank {
			continue
		}
		if len(s.rows) == 0 {
			s.width = len(cells)
		}
		s.rows = append(s.rows, cells)
	}
	return s, nil
}

func (s *sheetRows) Read() ([]string, error) {
	if s.next >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.next]
	s.next++
	switch {
	case len(row) < s.width:
		row = append(row, make([]string, s.width-len(row))...)
	case len(row) > s.width:
		row = row[:s.width]
	}
	return row, nil
}

// cleaned trims cell whitespace, strips a leading byte order mark and
// lowercases the header row.
type cleaned struct {
	src     rowSource
	started bool
}

func (c *cleaned) Read() ([]string, error) {
	rec, err := c.src.Read()
	if err != nil {
		return nil, err
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
	if !c.started {
		c.started = true
		if len(rec) > 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
		}
		for i := range rec {
			rec[i] = strings.ToLower(rec[i])
		}
	}
	return rec, nil
}

// requireColumns fails with an input validation fault naming every
// required column absent from header.
func requireColumns(location string, header, required []string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, c := range required {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fault.New(fault.InputValidation, model.Date{},
		fmt.Sprintf("%s: missing required columns %s", location, strings.Join(missing, ", ")))
}
