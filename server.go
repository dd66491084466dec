package main

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Server accepts connections and hands each one to its own Worker.
type Server struct {
	cfg      *Config
	resolver Resolver
	log      zerolog.Logger

	listener net.Listener
	seq      atomic.Uint64
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func NewServer(cfg *Config, resolver Resolver, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		resolver: resolver,
		log:      logger,
	}
}

// Listen binds addr. Serve must be called to start accepting.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Workers started by Serve see the same ctx and stop reading when it ends.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept error")
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		// Sequence numbers are assigned here, not by the workers.
		seq := s.seq.Add(1)
		worker := NewWorker(s.cfg, s.resolver, s.log)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			worker.Start(ctx, conn, seq) // worker takes the ownership of |conn|
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) close() {
	if s.closed.Swap(true) {
		return
	}
	s.listener.Close()
}

// Wait blocks until every worker has closed its connection, or until ctx
// is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
