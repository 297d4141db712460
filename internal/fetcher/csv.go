package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // 0 = none
	LazyQuotes bool
	TrimSpace  bool
	// Required columns must appear in the header.
	Required []string
}

// Record is one data row addressed by header name. Names are matched
// case-insensitively.
type Record struct {
	Line   int
	Fields []string
	index  map[string]int
}

// Get returns the value of column name, or "" when the row lacks it.
func (r Record) Get(name string) string {
	i, ok := r.index[strings.ToLower(name)]
	if !ok || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// Has reports whether the header carries column name.
func (r Record) Has(name string) bool {
	_, ok := r.index[strings.ToLower(name)]
	return ok
}

// StreamCSV reads a headed CSV and sends each data row as a Record. The
// caller must drain the record channel. Both channels close when parsing
// ends; at most one error is sent.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Record, <-chan error) {
	recCh := make(chan Record, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1
		reader.ReuseRecord = false

		header, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "csv: read header")
			return
		}

		index := make(map[string]int, len(header))
		for i, h := range header {
			h = strings.TrimPrefix(h, "\ufeff")
			h = strings.ToLower(strings.TrimSpace(h))
			if _, dup := index[h]; !dup {
				index[h] = i
			}
		}
		for _, col := range opts.Required {
			if _, ok := index[strings.ToLower(col)]; !ok {
				errCh <- eris.Errorf("csv: missing column %q", col)
				return
			}
		}

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			fields, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			if opts.TrimSpace {
				for i, f := range fields {
					fields[i] = strings.TrimSpace(f)
				}
			}
			line, _ := reader.FieldPos(0)

			select {
			case recCh <- Record{Line: line, Fields: fields, index: index}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return recCh, errCh
}

// EachCSV streams r and calls fn for every record, stopping at the first
// error.
func EachCSV(ctx context.Context, r io.Reader, opts CSVOptions, fn func(Record) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recCh, errCh := StreamCSV(ctx, r, opts)
	var fnErr error
	for rec := range recCh {
		if fnErr != nil {
			continue
		}
		if err := fn(rec); err != nil {
			fnErr = err
			cancel()
		}
	}
	streamErr := <-errCh
	if fnErr != nil {
		return fnErr
	}
	return streamErr
}
