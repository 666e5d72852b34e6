package flightstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/23skdu/longbow-assay/internal/memo"
	"github.com/23skdu/longbow-assay/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultTimeout bounds each Get or Put.
const DefaultTimeout = 30 * time.Second

// Client is a memo.Store backed by a flightstore Server.
type Client struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	alloc   memory.Allocator
}

var _ memo.Store = (*Client)(nil)

// Dial connects to addr (host:port). The connection is established lazily
// by gRPC; the first call reports an unreachable server.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Client{client: c, addr: addr, timeout: timeout, alloc: memory.NewGoAllocator()}, nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) Addr() string { return c.addr }

// Get fetches the value stored under key, or memo.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.RecordRemoteStore("get", time.Since(start)) }()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(key)})
	if err != nil {
		return nil, fmt.Errorf("failed to create DoGet reader: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	defer rdr.Release()

	for rdr.Next() {
		entries, err := readEntries(rdr.Record())
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.key == key {
				return e.value, nil
			}
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return nil, memo.ErrNotFound
}

// Put stores value under key, replacing any previous value.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	defer func() { metrics.RecordRemoteStore("put", time.Since(start)) }()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to create DoPut writer: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(c.alloc))
	rec := buildRecord(c.alloc, []entry{{key: key, value: value}})
	defer rec.Release()

	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
}
