package rmime

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeadersAddAndGet(t *testing.T) {
	h := NewMimeHeaders()
	h.Add("content-type", `multipart/mixed; boundary="abc123"`)

	ct, ok := h.Get("Content-Type")
	if !ok || ct != "multipart/mixed" {
		t.Fatalf("Get(Content-Type) = %q, %v", ct, ok)
	}

	b, ok := h.Param("Content-Type", "boundary")
	if !ok || b != "abc123" {
		t.Fatalf("Param(boundary) = %q, %v", b, ok)
	}
}

func TestHeadersCaseInsensitive(t *testing.T) {
	h := NewMimeHeaders()
	h.Add("Content-Type", "text/plain")

	if _, ok := h.Get("CONTENT-TYPE"); !ok {
		t.Error("expected case-insensitive lookup to succeed")
	}
	if _, ok := h.Get("content-type"); !ok {
		t.Error("expected case-insensitive lookup to succeed")
	}
}

func TestSplitParamsTolerant(t *testing.T) {
	primary, params := splitParams(`text/plain; charset=utf-8; ; =novalue; bad`)
	if primary != "text/plain" {
		t.Errorf("primary = %q, want text/plain", primary)
	}
	want := map[string]string{"charset": "utf-8"}
	if diff := cmp.Diff(want, params); diff != "" {
		t.Errorf("params mismatch, malformed fragments should be skipped (-want +got):\n%s", diff)
	}
}

func TestParseHeaderLinesFolding(t *testing.T) {
	raw := strings.Join([]string{
		"Subject: hello",
		" world",
		"From: a@b",
		"",
	}, "\r\n")

	lines := toRawLines(raw)
	h := parseHeaderLines(lines)

	subj, ok := h.Get("Subject")
	if !ok || subj != "hello world" {
		t.Fatalf("Subject = %q, %v, want \"hello world\"", subj, ok)
	}
}

// toRawLines splits a CRLF-joined string back into terminator-included
// line slices, the shape lineio.ReadLine produces.
func toRawLines(s string) [][]byte {
	var out [][]byte
	for _, part := range strings.SplitAfter(s, "\r\n") {
		if part == "" {
			continue
		}
		out = append(out, []byte(part))
	}
	return out
}
