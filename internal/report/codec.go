package report

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// RowCodec stores a single Row as an Arrow IPC stream, for use with
// memo.Do.
type RowCodec struct{}

func (RowCodec) Encode(r Row) ([]byte, error) {
	alloc := memory.NewGoAllocator()
	rec := buildRecord(alloc, []Row{r})
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(Schema), ipc.WithAllocator(alloc))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (RowCodec) Decode(b []byte) (Row, error) {
	rdr, err := ipc.NewReader(bytes.NewReader(b), ipc.WithSchema(Schema))
	if err != nil {
		return Row{}, err
	}
	defer rdr.Release()

	var rows []Row
	for rdr.Next() {
		if rows, err = appendRows(rows, rdr.Record()); err != nil {
			return Row{}, err
		}
	}
	if err := rdr.Err(); err != nil {
		return Row{}, err
	}
	if len(rows) != 1 {
		return Row{}, fmt.Errorf("report: encoded row holds %d rows", len(rows))
	}
	return rows[0], nil
}
