// Package flightstore is a key/value store served over Arrow Flight. The
// server keeps records in memory; the client implements memo.Store so a
// sweep can share proof results with other processes.
package flightstore

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Schema of every record on the wire: one row per entry.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.BinaryTypes.Binary},
}, nil)

type entry struct {
	key   string
	value []byte
}

func buildRecord(alloc memory.Allocator, entries []entry) arrow.Record {
	b := array.NewRecordBuilder(alloc, Schema)
	defer b.Release()
	keys := b.Field(0).(*array.StringBuilder)
	values := b.Field(1).(*array.BinaryBuilder)
	for _, e := range entries {
		keys.Append(e.key)
		values.Append(e.value)
	}
	return b.NewRecord()
}

// readEntries copies every row out of rec; Arrow buffers are not retained.
func readEntries(rec arrow.Record) ([]entry, error) {
	if !rec.Schema().Equal(Schema) {
		return nil, fmt.Errorf("flightstore: unexpected schema %s", rec.Schema())
	}
	keys, ok := rec.Column(0).(*array.String)
	if !ok {
		return nil, fmt.Errorf("flightstore: key column is %T", rec.Column(0))
	}
	values, ok := rec.Column(1).(*array.Binary)
	if !ok {
		return nil, fmt.Errorf("flightstore: value column is %T", rec.Column(1))
	}
	out := make([]entry, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		out = append(out, entry{
			key:   keys.Value(i),
			value: append([]byte(nil), values.Value(i)...),
		})
	}
	return out, nil
}
