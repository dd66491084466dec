package main

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"unicode"
)

func capitalizeHeader(h string) string {
	ret := []rune(h)
	cap := true
	for i, r := range ret {
		if cap && unicode.IsLetter(r) {
			ret[i] = unicode.ToUpper(r)
			cap = false
		}
		if r == '-' {
			cap = true
		}
	}
	return string(ret)
}

// headerOrder puts the framing headers first and the rest in lexical order,
// so the same Response always serializes to the same bytes.
func headerOrder(h HTTPHeader) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		if k != "content-type" && k != "content-length" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var order []string
	if _, ok := h["content-type"]; ok {
		order = append(order, "content-type")
	}
	if _, ok := h["content-length"]; ok {
		order = append(order, "content-length")
	}
	return append(order, keys...)
}

// WriteResponse serializes res and flushes w. Content-Length always matches
// the body that is written; a NoBody response carries neither.
func WriteResponse(w *bufio.Writer, res *Response) error {
	if res.NoBody {
		res.Headers.Del("content-length")
	} else {
		res.Headers.Set("content-length", strconv.Itoa(len(res.Body)))
	}

	fmt.Fprintf(w, "%s %d %s\r\n", res.Version, res.Status, res.Phrase)
	for _, k := range headerOrder(res.Headers) {
		fmt.Fprintf(w, "%s: %s\r\n", capitalizeHeader(k), res.Headers[k])
	}
	w.WriteString("\r\n")
	if !res.NoBody {
		w.Write(res.Body)
	}
	// bufio.Writer keeps the first error, so Flush reports any of the above.
	if err := w.Flush(); err != nil {
		return fmt.Errorf("Failed to write response: %w", err)
	}
	return nil
}
