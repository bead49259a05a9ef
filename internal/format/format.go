// Package format renders streamed result rows as delimiter-separated text
// with RFC 4180 quoting or as a JSON array. Each sink resolves a column
// formatter table once from metadata; there is no per-row type inspection
// beyond the table lookup.
package format

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/lfarias-data/tenantpool/internal/driver"
)

// formatter converts one column value to its text form. Quoting is not the
// formatter's concern; the CSV writer applies RFC 4180 quoting on top.
type formatter func(v any) string

// formatterFor resolves the formatter for a column type once, from
// metadata.
func formatterFor(c driver.Column) formatter {
	switch c.Type {
	case driver.TypeBool:
		return func(v any) string {
			if v == nil {
				return ""
			}
			if b, ok := v.(bool); ok {
				return strconv.FormatBool(b)
			}
			return fmt.Sprintf("%v", v)
		}
	case driver.TypeBytes:
		return func(v any) string {
			if v == nil {
				return ""
			}
			if b, ok := v.([]byte); ok {
				return base64.StdEncoding.EncodeToString(b)
			}
			return fmt.Sprintf("%v", v)
		}
	case driver.TypeTime:
		return func(v any) string {
			if v == nil {
				return ""
			}
			if t, ok := v.(time.Time); ok {
				return t.Format(time.RFC3339Nano)
			}
			return fmt.Sprintf("%v", v)
		}
	default:
		return func(v any) string {
			if v == nil {
				return ""
			}
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprintf("%v", v)
		}
	}
}

// DSVSink streams rows as delimiter-separated text. A value containing the
// separator, a double quote or a line break is quoted; embedded quotes are
// doubled (RFC 4180).
type DSVSink struct {
	w          *csv.Writer
	formatters []formatter
}

// NewDSV builds a sink writing to w with the given separator.
func NewDSV(w io.Writer, separator rune) *DSVSink {
	cw := csv.NewWriter(w)
	if separator != 0 {
		cw.Comma = separator
	}
	return &DSVSink{w: cw}
}

// WriteColumns resolves the formatter table and emits the header row.
func (s *DSVSink) WriteColumns(cols []driver.Column) error {
	s.formatters = make([]formatter, len(cols))
	header := make([]string, len(cols))
	for i, c := range cols {
		s.formatters[i] = formatterFor(c)
		header[i] = c.Name
	}
	return s.w.Write(header)
}

// WriteRows renders a batch of rows.
func (s *DSVSink) WriteRows(rows [][]any) error {
	record := make([]string, len(s.formatters))
	for _, row := range rows {
		for i, v := range row {
			record[i] = s.formatters[i](v)
		}
		if err := s.w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered output. A non-nil err truncates the stream as-is;
// there is no error envelope inside the body.
func (s *DSVSink) Close(err error) error {
	s.w.Flush()
	if err != nil {
		return err
	}
	return s.w.Error()
}

// JSONSink streams rows as a JSON array of objects keyed by column name.
type JSONSink struct {
	w      io.Writer
	names  []string
	opened bool
	wrote  bool
}

// NewJSON builds a JSON array sink writing to w.
func NewJSON(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

// WriteColumns records the column names and opens the array.
func (s *JSONSink) WriteColumns(cols []driver.Column) error {
	s.names = make([]string, len(cols))
	for i, c := range cols {
		s.names[i] = c.Name
	}
	_, err := io.WriteString(s.w, "[")
	s.opened = err == nil
	return err
}

// WriteRows renders a batch of rows as array items.
func (s *JSONSink) WriteRows(rows [][]any) error {
	for _, row := range rows {
		item := make(map[string]any, len(s.names))
		for i, name := range s.names {
			if i < len(row) {
				item[name] = normalize(row[i])
			}
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if s.wrote {
			if _, err := io.WriteString(s.w, ","); err != nil {
				return err
			}
		}
		if _, err := s.w.Write(data); err != nil {
			return err
		}
		s.wrote = true
	}
	return nil
}

// Close terminates the array. On error the body stays truncated; the error
// is surfaced out-of-band.
func (s *JSONSink) Close(err error) error {
	if err != nil {
		return err
	}
	if !s.opened {
		if _, werr := io.WriteString(s.w, "["); werr != nil {
			return werr
		}
	}
	_, werr := io.WriteString(s.w, "]")
	return werr
}

// normalize makes driver values JSON-friendly.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return v
	}
}
