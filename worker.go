package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// aLongTimeAgo is a deadline that has already passed; setting it makes any
// pending read on the connection return at once.
var aLongTimeAgo = time.Unix(1, 0)

var (
	errCancelled     = errors.New("connection cancelled")
	errResolverPanic = errors.New("resolver panicked")
)

// shutdownWriteGrace bounds a response write once the server is shutting down.
const shutdownWriteGrace = time.Second

type connState int

const (
	stateAwaitingRequest connState = iota
	stateParsing
	stateResolving
	stateResponding
	stateIdle
	stateClosing
	stateDone
)

func (s connState) String() string {
	switch s {
	case stateAwaitingRequest:
		return "awaiting-request"
	case stateParsing:
		return "parsing"
	case stateResolving:
		return "resolving"
	case stateResponding:
		return "responding"
	case stateIdle:
		return "idle"
	case stateClosing:
		return "closing"
	case stateDone:
		return "done"
	}
	return "unknown"
}

type stateFunc func(*Worker) connState

var transitions = [...]stateFunc{
	stateAwaitingRequest: awaitRequest,
	stateParsing:         parseRequest,
	stateResolving:       resolveRequest,
	stateResponding:      sendResponse,
	stateIdle:            idle,
	stateClosing:         finishWorker,
}

// Worker serves the requests of one connection, one after another.
type Worker struct {
	cfg      *Config
	resolver Resolver
	log      zerolog.Logger

	ctx    context.Context
	conn   net.Conn
	seq    uint64
	reader *RequestReader
	writer *bufio.Writer

	// mu orders deadline updates against cancellation.
	mu        sync.Mutex
	cancelled bool
	closed    bool

	state       connState
	requestLine string
	req         *Request
	res         *Response
	keepAlive   bool
	served      int
	err         error // transport error that ended the connection
}

func NewWorker(cfg *Config, resolver Resolver, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		resolver: resolver,
		log:      logger,
	}
}

// Start runs the connection until it is closed. The worker takes the
// ownership of conn and closes it exactly once. Cancelling ctx interrupts a
// pending read.
func (w *Worker) Start(ctx context.Context, conn net.Conn, seq uint64) {
	w.attach(ctx, conn, seq)
	stop := context.AfterFunc(ctx, w.cancel)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("state", w.state.String()).Msg("worker panicked")
			if !w.closed {
				w.closed = true
				w.conn.Close()
			}
		}
	}()

	w.log.Debug().Msg("connection opened")
	for w.state = stateAwaitingRequest; w.state != stateDone; {
		w.state = transitions[w.state](w)
	}
}

func (w *Worker) attach(ctx context.Context, conn net.Conn, seq uint64) {
	w.ctx = ctx
	w.conn = conn
	w.seq = seq
	w.log = w.log.With().Uint64("conn", seq).Str("peer", peerAddr(conn)).Logger()
	w.reader = NewRequestReader(NewLineReader(conn, w.cfg.MaxLineBytes), w.cfg.MaxHeaderBytes)
	w.writer = bufio.NewWriter(conn)
}

func peerAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (w *Worker) cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = true
	w.conn.SetReadDeadline(aLongTimeAgo)
	w.conn.SetWriteDeadline(time.Now().Add(shutdownWriteGrace))
}

func (w *Worker) armReadDeadline() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return errCancelled
	}
	var t time.Time
	if w.cfg.ReadTimeout > 0 {
		t = time.Now().Add(w.cfg.ReadTimeout)
	}
	return w.conn.SetReadDeadline(t)
}

func (w *Worker) armWriteDeadline() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var t time.Time
	if w.cfg.WriteTimeout > 0 {
		t = time.Now().Add(w.cfg.WriteTimeout)
	}
	if w.cancelled {
		grace := time.Now().Add(shutdownWriteGrace)
		if t.IsZero() || grace.Before(t) {
			t = grace
		}
	}
	return w.conn.SetWriteDeadline(t)
}

// state funcs

func awaitRequest(w *Worker) connState {
	if err := w.armReadDeadline(); err != nil {
		w.err = err
		return stateClosing
	}
	line, err := w.reader.ReadRequestLine()
	if err == io.EOF {
		return stateClosing
	}
	var perr *ParseError
	if errors.As(err, &perr) {
		return w.rejectRequest(perr)
	}
	if err != nil {
		w.err = err
		return stateClosing
	}
	w.log.Debug().Str("line", line).Msg("request line")
	w.requestLine = line
	return stateParsing
}

func parseRequest(w *Worker) connState {
	req, err := w.reader.ParseRequest(w.requestLine)
	var perr *ParseError
	if errors.As(err, &perr) {
		return w.rejectRequest(perr)
	}
	if err != nil {
		w.err = err
		return stateClosing
	}
	w.req = req
	w.keepAlive = req.KeepAlive()
	return stateResolving
}

// rejectRequest answers a request that could not be parsed. The rest of the
// stream cannot be trusted, so the connection closes after the response.
func (w *Worker) rejectRequest(perr *ParseError) connState {
	w.log.Warn().Err(perr).Msg("bad request")
	w.keepAlive = false
	w.res = newErrorResponse(HTTP11, StatusBadRequest)
	return stateResponding
}

func resolveRequest(w *Worker) connState {
	rsc, err := w.resolve()
	if errors.Is(err, errResolverPanic) {
		w.keepAlive = false
	}
	w.res = w.responseFor(rsc, err)
	if w.req.Method == MethodHEAD {
		w.res.NoBody = true
	}
	return stateResponding
}

// resolve turns a resolver panic into an error so the peer still gets a 500.
func (w *Worker) resolve() (rsc *Resource, err error) {
	defer func() {
		if r := recover(); r != nil {
			rsc, err = nil, fmt.Errorf("%w: %v", errResolverPanic, r)
		}
	}()
	return w.resolver.Resolve(w.ctx, w.req.Target, w.cfg)
}

func (w *Worker) responseFor(rsc *Resource, err error) *Response {
	v := w.req.Version
	switch {
	case err == nil:
		res := newResponse(v, StatusOK)
		if rsc.ContentType != "" {
			res.Headers.Set("content-type", rsc.ContentType)
		}
		res.Body = rsc.Body
		return res
	case errors.Is(err, ErrNotFound):
		return newErrorResponse(v, StatusNotFound)
	case errors.Is(err, ErrForbidden):
		w.log.Warn().Str("target", w.req.Target).Msg("forbidden")
		return newErrorResponse(v, StatusInternalServerError)
	}
	w.log.Error().Err(err).Str("target", w.req.Target).Msg("resolve failed")
	return newErrorResponse(v, StatusInternalServerError)
}

func sendResponse(w *Worker) connState {
	w.served++
	if w.cfg.MaxRequests > 0 && w.served >= w.cfg.MaxRequests {
		w.keepAlive = false
	}
	if w.ctx.Err() != nil {
		w.keepAlive = false
	}
	w.setConnectionHeader()

	if err := w.armWriteDeadline(); err != nil {
		w.err = err
		return stateClosing
	}
	err := WriteResponse(w.writer, w.res)
	w.logAccess(err)
	if err != nil {
		w.err = err
		return stateClosing
	}
	if !w.keepAlive {
		return stateClosing
	}
	return stateIdle
}

func (w *Worker) setConnectionHeader() {
	switch {
	case w.keepAlive && w.res.Version == HTTP10:
		w.res.Headers.Set("connection", "keep-alive")
	case !w.keepAlive && w.res.Version == HTTP11:
		w.res.Headers.Set("connection", "close")
	}
}

func (w *Worker) logAccess(err error) {
	ev := w.log.Info()
	if err != nil {
		ev = w.log.Error().Err(err)
	}
	if w.req != nil {
		ev = ev.Str("method", w.req.Method.String()).
			Str("target", w.req.Target).
			Str("version", w.req.Version.String())
	}
	n := len(w.res.Body)
	if w.res.NoBody {
		n = 0
	}
	ev.Int("status", w.res.Status).Int("bytes", n).Bool("keep_alive", w.keepAlive).Msg("request")
}

func idle(w *Worker) connState {
	w.requestLine = ""
	w.req = nil
	w.res = nil
	w.keepAlive = false
	return stateAwaitingRequest
}

func finishWorker(w *Worker) connState {
	w.logClose()
	w.closed = true
	if err := w.conn.Close(); err != nil {
		w.log.Debug().Err(err).Msg("close failed")
	}
	return stateDone
}

func (w *Worker) logClose() {
	ev := w.log.Debug()
	err := w.err
	switch {
	case err == nil:
	case errors.Is(err, errCancelled) || w.ctx.Err() != nil:
		ev = ev.Str("reason", "shutdown")
	case errors.Is(err, os.ErrDeadlineExceeded):
		ev = ev.Str("reason", "timeout")
	case errors.Is(err, io.ErrUnexpectedEOF):
		ev = w.log.Info().Err(err)
	default:
		ev = w.log.Error().Err(err)
	}
	ev.Int("requests", w.served).Msg("connection closed")
}
