// Package rmime implements a small RFC-2045 MIME parser: header parsing
// with folding and parameter tokenization, and recursive multipart descent
// with digesting of leaf part content.
package rmime

import (
	"net/textproto"
	"strings"
)

// MimeHeader is one header line: its canonicalized name, its primary value,
// and any ";"-separated parameters (e.g. from
// "Content-Type: multipart/mixed; boundary=abc").
type MimeHeader struct {
	Name   string
	Value  string
	Params map[string]string
}

// MimeHeaders is an ordered collection of MimeHeader, with case-insensitive
// lookup by name.
type MimeHeaders struct {
	list   []MimeHeader
	byName map[string][]*MimeHeader
}

// NewMimeHeaders returns an empty header set.
func NewMimeHeaders() *MimeHeaders {
	return &MimeHeaders{byName: map[string][]*MimeHeader{}}
}

// Add appends a header, tokenizing any parameters out of value.
func (h *MimeHeaders) Add(name, value string) {
	name = textproto.CanonicalMIMEHeaderKey(name)
	primary, params := splitParams(value)
	h.list = append(h.list, MimeHeader{Name: name, Value: primary, Params: params})
	h.byName[name] = append(h.byName[name], &h.list[len(h.list)-1])
}

// Get returns the value of the first header with the given name
// (case-insensitive), and whether it was present.
func (h *MimeHeaders) Get(name string) (string, bool) {
	l := h.byName[textproto.CanonicalMIMEHeaderKey(name)]
	if len(l) == 0 {
		return "", false
	}
	return l[0].Value, true
}

// Param returns the named parameter of the first header called name, and
// whether it was present.
func (h *MimeHeaders) Param(name, param string) (string, bool) {
	l := h.byName[textproto.CanonicalMIMEHeaderKey(name)]
	if len(l) == 0 {
		return "", false
	}
	v, ok := l[0].Params[param]
	return v, ok
}

// All returns every header, in the order they were added.
func (h *MimeHeaders) All() []MimeHeader {
	return h.list
}

// splitParams splits a header value of the form "primary; k=v; k2=v2" into
// its primary token and a parameter map. Unknown or malformed parameter
// fragments (no "=", empty key) are skipped rather than treated as fatal,
// per the toolkit's header parsing rules.
func splitParams(value string) (string, map[string]string) {
	fields := strings.Split(value, ";")
	primary := strings.TrimSpace(fields[0])
	params := map[string]string{}

	for _, f := range fields[1:] {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		eq := strings.IndexByte(f, '=')
		if eq < 0 {
			continue
		}
		k := strings.TrimSpace(f[:eq])
		v := strings.TrimSpace(f[eq+1:])
		if k == "" {
			continue
		}
		v = unquote(v)
		params[strings.ToLower(k)] = v
	}

	return primary, params
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// parseHeaderLines consumes raw header lines (as produced by
// lineio.LineReader.ReadLine, each including its terminator) until a blank
// line, joining folded continuation lines (ones starting with whitespace)
// into the preceding header's value with a single space.
func parseHeaderLines(lines [][]byte) *MimeHeaders {
	h := NewMimeHeaders()

	var curName, curValue string
	flush := func() {
		if curName != "" {
			h.Add(curName, curValue)
		}
	}

	for _, raw := range lines {
		line := strings.TrimRight(string(raw), "\r\n")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation line: fold into the previous header's value.
			curValue += " " + strings.TrimSpace(line)
			continue
		}

		flush()

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			// Malformed header line with no colon; tolerate it by treating
			// the whole line as the name with an empty value.
			curName = line
			curValue = ""
			continue
		}
		curName = line[:colon]
		curValue = strings.TrimLeft(line[colon+1:], " \t")
	}
	flush()

	return h
}
