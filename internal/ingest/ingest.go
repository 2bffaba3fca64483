// Package ingest turns an uploaded CSV or TSV file into validated records.
//
// The first row is the header. With a schema, headers are matched to schema
// fields by name or alias, each value runs through the field's normalizers,
// and required fields must be present. Rows that fail are reported as
// RowErrors and left out; they never reach the controller.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/formrelay/internal/schema"
	"github.com/ChuLiYu/formrelay/pkg/types"
)

var (
	ErrNoHeader        = errors.New("ingest: file has no header row")
	ErrNoValidRows     = errors.New("ingest: no valid rows")
	ErrDuplicateColumn = errors.New("ingest: duplicate column")
	ErrMissingColumn   = errors.New("ingest: required column missing")
)

// RowError describes why one data row was excluded.
type RowError struct {
	Row     int    `json:"row"` // 1-based line in the file; the header is line 1
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Message)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
}

// Options controls parsing.
type Options struct {
	Schema *schema.Schema
	Comma  rune // 0 detects comma, tab or semicolon from the header line
}

// Batch is the outcome of one ingestion.
type Batch struct {
	Records []types.Record `json:"-"`
	Columns []string       `json:"columns"`           // record field names, in record order
	Ignored []string       `json:"ignored,omitempty"` // headers not mapped to any field
	Rows    int            `json:"rows"`              // non-blank data rows read
	Errors  []RowError     `json:"errors,omitempty"`
}

// Valid returns the number of accepted records.
func (b *Batch) Valid() int { return len(b.Records) }

// Invalid returns the number of rejected rows.
func (b *Batch) Invalid() int { return b.Rows - len(b.Records) }

// column maps one file column to a record field.
type column struct {
	index int
	name  string
	field *schema.Field
}

// ParseFile reads path; a .tsv extension selects tab separation.
func ParseFile(path string, opts Options) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if opts.Comma == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Comma = '\t'
	}
	return Parse(f, opts)
}

// Parse reads all rows from r. The batch is returned together with
// ErrNoValidRows when every row was rejected, so callers can report the row
// errors.
func Parse(r io.Reader, opts Options) (*Batch, error) {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	if opts.Comma == 0 {
		opts.Comma = detectComma(br)
	}

	cr := csv.NewReader(br)
	cr.Comma = opts.Comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read header: %w", err)
	}

	cols, ignored, err := mapColumns(header, opts.Schema)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Ignored: ignored}
	for _, c := range cols {
		batch.Columns = append(batch.Columns, c.name)
	}

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, fmt.Errorf("ingest: read: %w", err)
			}
			batch.Rows++
			batch.Errors = append(batch.Errors, RowError{Row: perr.Line, Message: perr.Err.Error()})
			continue
		}
		if blank(row) {
			continue
		}
		batch.Rows++
		line, _ := cr.FieldPos(0)

		rec, rowErr := buildRecord(row, line, cols)
		if rowErr != nil {
			batch.Errors = append(batch.Errors, *rowErr)
			continue
		}
		batch.Records = append(batch.Records, rec)
	}

	if len(batch.Records) == 0 {
		return batch, ErrNoValidRows
	}
	return batch, nil
}

// mapColumns resolves the header against the schema.
func mapColumns(header []string, sc *schema.Schema) ([]column, []string, error) {
	var (
		cols    []column
		ignored []string
		seen    = map[string]bool{}
	)
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		c := column{index: i, name: h}
		if sc != nil && len(sc.Fields) > 0 {
			f, ok := sc.Match(h)
			if !ok {
				ignored = append(ignored, h)
				continue
			}
			c.name = f.Name
			c.field = &f
		}
		key := strings.ToLower(c.name)
		if seen[key] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateColumn, h)
		}
		seen[key] = true
		cols = append(cols, c)
	}

	if sc != nil {
		for _, f := range sc.Fields {
			for _, n := range f.Normalize {
				if _, ok := LookupNormalizer(n); !ok {
					return nil, nil, fmt.Errorf("%w: %s on field %s", ErrUnknownNormalizer, n, f.Name)
				}
			}
			if f.Required && f.Default == "" && !seen[strings.ToLower(f.Name)] {
				return nil, nil, fmt.Errorf("%w: %s", ErrMissingColumn, f.Name)
			}
		}
	}
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("%w: no usable columns", ErrNoHeader)
	}
	return cols, ignored, nil
}

func buildRecord(row []string, line int, cols []column) (types.Record, *RowError) {
	fields := make([]types.Field, 0, len(cols))
	for _, c := range cols {
		v := ""
		if c.index < len(row) {
			v = row[c.index]
		}
		if c.field == nil {
			fields = append(fields, types.Field{Name: c.name, Value: strings.TrimSpace(v)})
			continue
		}

		v, err := Normalize(c.field.Normalize, strings.TrimSpace(v))
		if err != nil {
			return types.Record{}, &RowError{Row: line, Field: c.name, Message: err.Error()}
		}
		if c.field.Required && strings.TrimSpace(v) == "" && c.field.Default == "" {
			return types.Record{}, &RowError{Row: line, Field: c.name, Message: "required value missing"}
		}
		fields = append(fields, types.Field{Name: c.name, Value: v})
	}
	return types.NewRecord(fields...), nil
}

// detectComma picks the most frequent of tab, semicolon and comma on the
// first line, defaulting to comma.
func detectComma(br *bufio.Reader) rune {
	peek, _ := br.Peek(br.Size())
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}
	best, bestCount := ',', bytes.Count(peek, []byte{','})
	for _, c := range []rune{'\t', ';'} {
		if n := bytes.Count(peek, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
