package main

import (
	"strconv"
	"strings"
)

// HTTPHeader keeps one value per name, keyed by the lower-cased name.
// Not map[string][]string, unlike http.Header
type HTTPHeader map[string]string

func (h HTTPHeader) Get(name string) string {
	return h[strings.ToLower(name)]
}

func (h HTTPHeader) Set(name, value string) {
	h[strings.ToLower(name)] = value
}

func (h HTTPHeader) Del(name string) {
	delete(h, strings.ToLower(name))
}

type Method int

const (
	MethodGET Method = iota + 1
	MethodHEAD
)

func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodHEAD:
		return "HEAD"
	}
	return "UNKNOWN"
}

func parseMethod(s string) (Method, bool) {
	switch s {
	case "GET":
		return MethodGET, true
	case "HEAD":
		return MethodHEAD, true
	}
	return 0, false
}

type Version int

const (
	HTTP10 Version = iota + 1
	HTTP11
)

func (v Version) String() string {
	switch v {
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	}
	return "HTTP/?"
}

func parseVersion(s string) (Version, bool) {
	switch s {
	case "HTTP/1.0":
		return HTTP10, true
	case "HTTP/1.1":
		return HTTP11, true
	}
	return 0, false
}

// Request is built once by RequestReader and never modified afterwards.
type Request struct {
	Method  Method
	Target  string
	Version Version
	Headers HTTPHeader
}

// KeepAlive reports whether the peer asked for the connection to persist
// after this request. "close" wins over everything else.
func (r *Request) KeepAlive() bool {
	var keepAlive, closing bool
	for _, tok := range strings.Split(r.Headers.Get("connection"), ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "close":
			closing = true
		case "keep-alive":
			keepAlive = true
		}
	}
	if closing {
		return false
	}
	if r.Version == HTTP11 {
		return true
	}
	return keepAlive
}

const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusInternalServerError = 500
)

var statusPhrases = map[int]string{
	StatusOK:                  "OK",
	StatusBadRequest:          "Bad Request",
	StatusNotFound:            "Not Found",
	StatusInternalServerError: "Internal Server Error",
}

func StatusPhrase(code int) string {
	return statusPhrases[code]
}

// Response lives only until WriteResponse has flushed it.
type Response struct {
	Version Version
	Status  int
	Phrase  string
	Headers HTTPHeader
	Body    []byte
	NoBody  bool // set for HEAD; Body is ignored and no Content-Length is sent
}

func newResponse(v Version, status int) *Response {
	return &Response{
		Version: v,
		Status:  status,
		Phrase:  StatusPhrase(status),
		Headers: HTTPHeader{},
	}
}

// newErrorResponse builds a response with a short plain-text diagnostic body.
func newErrorResponse(v Version, status int) *Response {
	res := newResponse(v, status)
	res.Headers.Set("content-type", "text/plain; charset=utf-8")
	res.Body = []byte(strconv.Itoa(status) + " " + res.Phrase + "\n")
	return res
}
