package flightstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/23skdu/longbow-assay/internal/memo"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	srv := NewServer()
	require.NoError(t, srv.Start("localhost:0"))
	t.Cleanup(srv.Shutdown)

	c, err := Dial(srv.Addr(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return srv, c
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	srv, c := startServer(t)

	_, err := c.Get(ctx, "absent")
	assert.ErrorIs(t, err, memo.ErrNotFound)

	require.NoError(t, c.Put(ctx, "k", []byte{0, 1, 2, 255}))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 255}, got)

	require.NoError(t, c.Put(ctx, "k", []byte("second")))
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
	assert.Equal(t, 1, srv.Len())
}

func TestEmptyValue(t *testing.T) {
	ctx := context.Background()
	_, c := startServer(t)
	require.NoError(t, c.Put(ctx, "empty", nil))
	got, err := c.Get(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSharedAcrossCaches(t *testing.T) {
	ctx := context.Background()
	_, c := startServer(t)

	codec := stringCodec{}
	first := memo.New(memo.WithStore("remote", c))
	v, hit, err := memo.Do(ctx, first, "proof", codec, func(context.Context) (string, error) { return "certified", nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "certified", v)

	second := memo.New(memo.WithStore("remote", c))
	v, hit, err = memo.Do(ctx, second, "proof", codec, func(context.Context) (string, error) {
		return "", fmt.Errorf("should have been served remotely")
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "certified", v)
}

func TestUnreachableServer(t *testing.T) {
	c, err := Dial("127.0.0.1:1", 500*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, memo.ErrNotFound)
}

func TestRecordRoundTrip(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	in := []entry{{key: "a", value: []byte("x")}, {key: "b", value: nil}}
	rec := buildRecord(alloc, in)
	out, err := readEntries(rec)
	rec.Release()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].key)
	assert.Equal(t, []byte("x"), out[0].value)
	assert.Equal(t, "b", out[1].key)
	assert.Empty(t, out[1].value)
}

type stringCodec struct{}

func (stringCodec) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (stringCodec) Decode(b []byte) (string, error) { return string(b), nil }
