package services

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/urekai/urekai-engine/pkg/models"
)

// NullValue replaces empty cells in sample rows sent to the model.
const NullValue = "NULL"

// DefaultSampleRowLimit is how many rows are sampled for schema inference.
const DefaultSampleRowLimit = 20

// SampleRows holds the first rows of an uploaded file.
type SampleRows struct {
	Rows [][]string
}

// ColumnCount returns the width of the widest sample row.
func (s *SampleRows) ColumnCount() int {
	width := 0
	for _, row := range s.Rows {
		if len(row) > width {
			width = len(row)
		}
	}
	return width
}

// SampleReader reads the leading rows of uploaded files.
type SampleReader struct {
	limit int
}

// NewSampleReader creates a reader returning at most limit rows per file.
func NewSampleReader(limit int) *SampleReader {
	if limit < 1 {
		limit = DefaultSampleRowLimit
	}
	return &SampleReader{limit: limit}
}

// Read samples a file of the given kind.
func (r *SampleReader) Read(kind models.FileKind, path string) (*SampleRows, error) {
	switch kind {
	case models.FileKindCSV:
		return r.readCSV(path)
	case models.FileKindExcel:
		return r.readExcel(path)
	default:
		return nil, fmt.Errorf("unknown file kind %q", kind)
	}
}

func (r *SampleReader) readCSV(path string) (*SampleRows, error) {
	f, err := OpenUTF8(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := newCSVReader(f)
	sample := &SampleRows{}
	for len(sample.Rows) < r.limit {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv sample: %w", err)
		}
		sample.Rows = append(sample.Rows, nullify(record))
	}

	if len(sample.Rows) == 0 {
		return nil, fmt.Errorf("%s contains no rows", filepath.Base(path))
	}
	return sample, nil
}

func (r *SampleReader) readExcel(path string) (*SampleRows, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open excel file: %w", err)
	}
	defer f.Close()

	sheet, err := firstSheet(f)
	if err != nil {
		return nil, err
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	defer rows.Close()

	sample := &SampleRows{}
	for len(sample.Rows) < r.limit && rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		sample.Rows = append(sample.Rows, nullify(cols))
	}

	if len(sample.Rows) == 0 {
		return nil, fmt.Errorf("%s contains no rows", filepath.Base(path))
	}
	return sample, nil
}

// ConvertExcelToCSV writes the first sheet of an Excel workbook to a temporary CSV file
// next to it and returns the new path. Short rows are padded to the widest row so every
// record has the same field count.
func ConvertExcelToCSV(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open excel file: %w", err)
	}
	defer f.Close()

	sheet, err := firstSheet(f)
	if err != nil {
		return "", err
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return "", fmt.Errorf("read sheet %s: %w", sheet, err)
	}

	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	out, err := os.CreateTemp(filepath.Dir(path), "excel-*.csv")
	if err != nil {
		return "", fmt.Errorf("create csv file: %w", err)
	}

	w := csv.NewWriter(out)
	for _, row := range rows {
		for len(row) < width {
			row = append(row, "")
		}
		if err := w.Write(row); err != nil {
			out.Close()
			os.Remove(out.Name())
			return "", fmt.Errorf("write csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("write csv: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("close csv: %w", err)
	}
	return out.Name(), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// OpenUTF8 opens a text file as UTF-8. Valid UTF-8 is streamed unchanged apart from a
// leading byte order mark; anything else is decoded as Windows-1252.
func OpenUTF8(path string) (io.ReadCloser, error) {
	valid, err := isValidUTF8(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}

	var decoder transform.Transformer = unicode.BOMOverride(encoding.Nop.NewDecoder())
	if !valid {
		decoder = charmap.Windows1252.NewDecoder()
	}
	return readCloser{Reader: transform.NewReader(f, decoder), Closer: f}, nil
}

func isValidUTF8(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)
	for {
		r, size, err := br.ReadRune()
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if r == utf8.RuneError && size == 1 {
			return false, nil
		}
	}
}

func newCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	return reader
}

func firstSheet(f *excelize.File) (string, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", fmt.Errorf("no sheets found in excel file")
	}
	return sheets[0], nil
}

func nullify(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		v = strings.TrimSpace(v)
		if v == "" {
			v = NullValue
		}
		out[i] = v
	}
	return out
}
