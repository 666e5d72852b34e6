package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Table keeps at most one row per Key, in first-insertion order.
type Table struct {
	rows  []Row
	index map[Key]int
}

func NewTable() *Table {
	return &Table{index: make(map[Key]int)}
}

// Upsert replaces rows with an existing key in place and appends the rest.
func (t *Table) Upsert(rows ...Row) {
	for _, r := range rows {
		k := r.Key()
		if i, ok := t.index[k]; ok {
			t.rows[i] = r
			continue
		}
		t.index[k] = len(t.rows)
		t.rows = append(t.rows, r)
	}
}

func (t *Table) Len() int { return len(t.rows) }

// Rows returns a copy of the rows.
func (t *Table) Rows() []Row {
	return append([]Row(nil), t.rows...)
}

// Get returns the row for k.
func (t *Table) Get(k Key) (Row, bool) {
	i, ok := t.index[k]
	if !ok {
		return Row{}, false
	}
	return t.rows[i], true
}

// Record builds an Arrow record of every row. The caller releases it.
func (t *Table) Record(alloc memory.Allocator) arrow.Record {
	return buildRecord(alloc, t.rows)
}

func buildRecord(alloc memory.Allocator, rows []Row) arrow.Record {
	b := array.NewRecordBuilder(alloc, Schema)
	defer b.Release()
	for i := range rows {
		for j, c := range columns {
			c.put(b.Field(j), &rows[i])
		}
	}
	return b.NewRecord()
}

func appendRows(dst []Row, rec arrow.Record) ([]Row, error) {
	if !rec.Schema().Equal(Schema) {
		return dst, fmt.Errorf("report: unexpected schema %s", rec.Schema())
	}
	for i := 0; i < int(rec.NumRows()); i++ {
		var r Row
		for j, c := range columns {
			c.get(rec.Column(j), i, &r)
		}
		dst = append(dst, r)
	}
	return dst, nil
}

// WriteIPC writes the table as an Arrow IPC file.
func (t *Table) WriteIPC(w io.Writer) error {
	alloc := memory.NewGoAllocator()
	rec := t.Record(alloc)
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(alloc))
	if err != nil {
		return err
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return err
	}
	return fw.Close()
}

// ReadIPC decodes an Arrow IPC file written by WriteIPC.
func ReadIPC(r ipc.ReadAtSeeker) (*Table, error) {
	fr, err := ipc.NewFileReader(r, ipc.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("report: open ipc: %w", err)
	}
	defer fr.Close()

	var rows []Row
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, err
		}
		if rows, err = appendRows(rows, rec); err != nil {
			return nil, err
		}
	}
	t := NewTable()
	t.Upsert(rows...)
	return t, nil
}

// LoadFile reads an IPC results file; a missing file is an empty table.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewTable(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadIPC(f)
}

// SaveFile writes the table as an IPC file via temp file and rename.
func (t *Table) SaveFile(path string) error {
	var buf bytes.Buffer
	if err := t.WriteIPC(&buf); err != nil {
		return err
	}
	return writeAtomic(path, buf.Bytes())
}

// WriteCSV writes a header line and one line per row.
func (t *Table) WriteCSV(w io.Writer) error {
	rec := t.Record(memory.NewGoAllocator())
	defer rec.Release()
	cw := csv.NewWriter(w, Schema, csv.WithHeader(true))
	if err := cw.Write(rec); err != nil {
		return err
	}
	return cw.Flush()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
