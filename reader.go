package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ErrLineTooLong is returned by LineReader when a line exceeds its limit.
var ErrLineTooLong = errors.New("line too long")

// LineReader yields CRLF-terminated lines no matter how the bytes were split
// across reads of the underlying stream.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func NewLineReader(r io.Reader, max int) *LineReader {
	var br *bufio.Reader
	if casted, ok := r.(*bufio.Reader); ok {
		br = casted
	} else {
		br = bufio.NewReader(r)
	}
	return &LineReader{br, max}
}

// ReadLine returns the next line without its terminator, and the number of
// bytes it took off the stream, terminator included. A bare LF is accepted
// as a terminator. (0, io.EOF) means the peer closed between lines; a close
// in the middle of a line is io.ErrUnexpectedEOF.
func (r *LineReader) ReadLine() (string, int, error) {
	var line []byte
	for {
		frag, err := r.r.ReadSlice('\n')
		if r.max > 0 && len(line)+len(frag) > r.max {
			return "", len(line) + len(frag), ErrLineTooLong
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(line) == 0 {
				return "", 0, io.EOF
			}
			return "", len(line), io.ErrUnexpectedEOF
		}
		return "", len(line), err
	}
	n := len(line)
	line = line[:n-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return string(line), n, nil
}

type ParseErrorKind int

const (
	MalformedRequestLine ParseErrorKind = iota + 1
	UnsupportedMethod
	MalformedHeader
	LineTooLong
	HeaderTooLarge
)

func (k ParseErrorKind) String() string {
	switch k {
	case MalformedRequestLine:
		return "malformed request line"
	case UnsupportedMethod:
		return "unsupported method"
	case MalformedHeader:
		return "malformed header"
	case LineTooLong:
		return "line too long"
	case HeaderTooLarge:
		return "header block too large"
	}
	return "parse error"
}

// ParseError means the request could not be understood. The stream is no
// longer aligned on a request boundary once one is returned.
type ParseError struct {
	Kind ParseErrorKind
	Line string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %q", e.Kind, e.Line)
}

// RequestReader reads HTTP/1.x request headers off a LineReader. It holds no
// buffer of its own.
type RequestReader struct {
	lr             *LineReader
	maxHeaderBytes int
}

func NewRequestReader(lr *LineReader, maxHeaderBytes int) *RequestReader {
	return &RequestReader{lr, maxHeaderBytes}
}

// ReadRequest reads the request line and the header block.
func (r *RequestReader) ReadRequest() (*Request, error) {
	rl, err := r.ReadRequestLine()
	if err != nil {
		return nil, err
	}
	return r.ParseRequest(rl)
}

// ReadRequestLine waits for the next request line, skipping empty lines in
// front of it. io.EOF is returned untouched when the peer went away cleanly.
func (r *RequestReader) ReadRequestLine() (string, error) {
	for {
		line, _, err := r.lr.ReadLine()
		if err == io.EOF {
			return "", io.EOF
		}
		if errors.Is(err, ErrLineTooLong) {
			return "", &ParseError{Kind: LineTooLong}
		}
		if err != nil {
			return "", fmt.Errorf("Failed to read request line: %w", err)
		}
		if line != "" {
			return line, nil
		}
	}
}

// ParseRequest validates an already read request line and collects the
// headers that follow it, up to and including the blank line.
func (r *RequestReader) ParseRequest(rl string) (*Request, error) {
	req, err := parseRequestLine(rl)
	if err != nil {
		return nil, err
	}
	headers, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	req.Headers = headers
	return req, nil
}

func parseRequestLine(rl string) (*Request, error) {
	fields := strings.Split(rl, " ")
	if len(fields) != 3 {
		return nil, &ParseError{MalformedRequestLine, rl}
	}
	for _, f := range fields {
		if f == "" {
			return nil, &ParseError{MalformedRequestLine, rl}
		}
	}
	version, ok := parseVersion(fields[2])
	if !ok {
		return nil, &ParseError{MalformedRequestLine, rl}
	}
	method, ok := parseMethod(fields[0])
	if !ok {
		return nil, &ParseError{UnsupportedMethod, rl}
	}
	target, ok := normalizeTarget(fields[1])
	if !ok {
		return nil, &ParseError{MalformedRequestLine, rl}
	}
	return &Request{
		Method:  method,
		Target:  target,
		Version: version,
	}, nil
}

// normalizeTarget accepts origin-form targets as they are and reduces
// absolute-form targets to their path and query.
func normalizeTarget(t string) (string, bool) {
	if strings.HasPrefix(t, "/") {
		return t, true
	}
	lower := strings.ToLower(t)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", false
	}
	u, err := url.Parse(t)
	if err != nil || u.Host == "" {
		return "", false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path, true
}

func (r *RequestReader) readHeaders() (HTTPHeader, error) {
	headers := HTTPHeader{}
	total := 0
	for {
		line, n, err := r.lr.ReadLine()
		if errors.Is(err, ErrLineTooLong) {
			return nil, &ParseError{Kind: LineTooLong}
		}
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, fmt.Errorf("Failed to read headers: %w", err)
		}
		if len(line) == 0 {
			break
		}
		total += n
		if r.maxHeaderBytes > 0 && total > r.maxHeaderBytes {
			return nil, &ParseError{Kind: HeaderTooLarge}
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, &ParseError{MalformedHeader, line}
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, &ParseError{MalformedHeader, line}
		}
		headers.Set(name, strings.TrimSpace(value))
	}
	return headers, nil
}
