package flightstore

import (
	"errors"
	"io"
	"sync"

	"github.com/23skdu/longbow-assay/internal/logger"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Server holds entries in memory. DoPut stores every row of the incoming
// stream, later rows overwriting earlier ones; DoGet with the key as ticket
// streams back a single row, or no rows when the key is absent.
type Server struct {
	flight.BaseFlightServer

	mu      sync.RWMutex
	entries map[string][]byte
	alloc   memory.Allocator
	srv     flight.Server
}

func NewServer() *Server {
	return &Server{
		entries: make(map[string][]byte),
		alloc:   memory.NewGoAllocator(),
	}
}

// Start listens on addr (host:port, port 0 picks one) and serves in the
// background until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	s.srv.RegisterFlightService(s)
	if err := s.srv.Init(addr); err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(); err != nil {
			logger.Log.Error("flight server stopped", "error", err)
		}
	}()
	logger.Log.Info("flight store listening", "addr", s.Addr())
	return nil
}

// Addr is the bound address; empty before Start.
func (s *Server) Addr() string {
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr().String()
}

func (s *Server) Shutdown() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

// Len is the number of stored entries.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer rdr.Release()

	stored := 0
	for rdr.Next() {
		entries, err := readEntries(rdr.Record())
		if err != nil {
			return err
		}
		s.mu.Lock()
		for _, e := range entries {
			s.entries[e.key] = e.value
		}
		s.mu.Unlock()
		stored += len(entries)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	logger.Log.Debug("flight put", "entries", stored)
	return stream.Send(&flight.PutResult{})
}

func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	key := string(tkt.GetTicket())
	s.mu.RLock()
	value, ok := s.entries[key]
	s.mu.RUnlock()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(s.alloc))
	defer w.Close()
	if !ok {
		return nil
	}
	rec := buildRecord(s.alloc, []entry{{key: key, value: value}})
	defer rec.Release()
	return w.Write(rec)
}
