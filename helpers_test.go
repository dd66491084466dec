package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func ExpectEqual(t *testing.T, expect, actual string) {
	t.Helper()
	if expect != actual {
		t.Errorf("Got %q, want %q", actual, expect)
	}
}

type MockAddr struct {
	str string
}

func (m MockAddr) Network() string { return "" }
func (m MockAddr) String() string  { return m.str }

// MockConn reads from a fixed input and records everything written to it.
type MockConn struct {
	in       io.Reader
	out      bytes.Buffer
	addr     MockAddr
	closes   int
	writeErr error
}

func NewMockConn(input string) *MockConn {
	return &MockConn{
		in:   strings.NewReader(input),
		addr: MockAddr{"(client)"},
	}
}

func (m *MockConn) Read(b []byte) (int, error) {
	return m.in.Read(b)
}

func (m *MockConn) Write(b []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.out.Write(b)
}

func (m *MockConn) Close() error {
	m.closes++
	return nil
}

func (m *MockConn) LocalAddr() net.Addr {
	return nil
}

func (m *MockConn) RemoteAddr() net.Addr {
	return m.addr
}

func (m *MockConn) SetDeadline(t time.Time) error {
	return nil
}

func (m *MockConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (m *MockConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// ResponseReader reads serialized responses back, body included.
type ResponseReader struct {
	lr *LineReader
}

func NewResponseReader(r io.Reader) *ResponseReader {
	return &ResponseReader{NewLineReader(r, 0)}
}

func parseStatusCode(ss string) (int, error) {
	status, err := strconv.Atoi(ss)
	first := status / 100
	if err != nil || (first < 1 || first > 5) {
		return 0, fmt.Errorf("Invalid status code: %s", ss)
	}
	return status, nil
}

// ReadResponse reads one response. The body is read only when the
// response carries a Content-Length.
func (r *ResponseReader) ReadResponse() (*Response, error) {
	sl, _, err := r.lr.ReadLine()
	if err != nil {
		return nil, err
	}
	fields := strings.SplitN(sl, " ", 3)
	if len(fields) < 3 {
		return nil, fmt.Errorf("Invalid status line: %s", sl)
	}
	res := &Response{Phrase: fields[2], Headers: HTTPHeader{}}
	if res.Version, _ = parseVersion(fields[0]); res.Version == 0 {
		return nil, fmt.Errorf("Invalid version: %s", fields[0])
	}
	if res.Status, err = parseStatusCode(fields[1]); err != nil {
		return nil, err
	}
	for {
		line, _, err := r.lr.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("Invalid header: %s", line)
		}
		res.Headers.Set(name, value)
	}
	cls, ok := res.Headers["content-length"]
	if !ok {
		res.NoBody = true
		return res, nil
	}
	cl, err := strconv.Atoi(cls)
	if err != nil {
		return nil, fmt.Errorf("Invalid Content-Length: %s", cls)
	}
	res.Body = make([]byte, cl)
	if _, err := io.ReadFull(r.lr.r, res.Body); err != nil {
		return nil, err
	}
	return res, nil
}

// readAllResponses parses every response in s and fails the test on
// trailing garbage.
func readAllResponses(t *testing.T, s string) []*Response {
	t.Helper()
	rr := NewResponseReader(strings.NewReader(s))
	var all []*Response
	for {
		res, err := rr.ReadResponse()
		if errors.Is(err, io.EOF) {
			return all
		}
		if err != nil {
			t.Fatalf("reading response %d: %v", len(all)+1, err)
		}
		all = append(all, res)
	}
}
