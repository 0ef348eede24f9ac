package rmime

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	"blitiri.com.ar/go/log"

	"github.com/missioninbox/robin/internal/lineio"
)

// PartKind is the semantic classification of a MimePart.
type PartKind int

const (
	PartText PartKind = iota
	PartFile
	PartMultipart
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartFile:
		return "file"
	case PartMultipart:
		return "multipart"
	default:
		return "unknown"
	}
}

// MimePart is one leaf of a parsed message: its own headers, decoded bytes,
// digests over those bytes, and a derived or explicit filename. Multipart
// containers never appear in a Message's Parts list themselves; only their
// (recursively flattened) children do.
type MimePart struct {
	Headers  MimeHeaders
	Data     []byte
	Size     int64
	MD5      string
	SHA1     string
	SHA256   string
	Kind     PartKind
	Filename string
}

// Message is a fully parsed RFC-822 message: its top-level headers, and the
// flat list of leaf parts found by descending into any multipart structure.
type Message struct {
	Headers MimeHeaders
	Parts   []MimePart
}

// Parse reads r as an RFC-822 message (headers, blank line, body) and
// returns the parsed Message. Multipart bodies are recursively descended;
// message/rfc822 children are parsed in turn and their own parts flattened
// into the result, so Parts never itself contains a multipart entry.
func Parse(r io.Reader) (*Message, error) {
	lr := lineio.New(r)
	return parseFrom(lr)
}

func parseFrom(lr *lineio.LineReader) (*Message, error) {
	lines, err := readHeaderLines(lr)
	if err != nil {
		return nil, err
	}
	headers := parseHeaderLines(lines)

	ct, _ := headers.Get("Content-Type")
	ct = strings.ToLower(strings.TrimSpace(ct))

	idx := new(int)
	var parts []MimePart

	switch {
	case ct == "":
		body := readRemaining(lr)
		parts = []MimePart{makeLeaf(headers, body, idx, "text/plain", PartText)}

	case strings.HasPrefix(ct, "multipart/"):
		boundary, ok := headers.Param("Content-Type", "boundary")
		if !ok || boundary == "" {
			body := readRemaining(lr)
			parts = []MimePart{makeLeaf(headers, body, idx, ct, PartFile)}
			break
		}
		parts, err = descend(lr, boundary, idx)

	case strings.HasPrefix(ct, "text/") || strings.HasPrefix(ct, "message/"):
		body := readRemaining(lr)
		parts = []MimePart{makeLeaf(headers, body, idx, ct, PartText)}

	default:
		body := readRemaining(lr)
		parts = []MimePart{makeLeaf(headers, body, idx, ct, PartFile)}
	}

	return &Message{Headers: *headers, Parts: parts}, err
}

// readHeaderLines consumes lines up to (and including) the blank line that
// terminates a header block.
func readHeaderLines(lr *lineio.LineReader) ([][]byte, error) {
	var lines [][]byte
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return lines, err
		}
		if line == nil {
			return lines, nil
		}
		if isBlankLine(line) {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func isBlankLine(line []byte) bool {
	t := bytes.TrimRight(line, "\r\n")
	return len(t) == 0
}

func readRemaining(lr *lineio.LineReader) []byte {
	var buf []byte
	for {
		line, err := lr.ReadLine()
		if err != nil || line == nil {
			break
		}
		buf = append(buf, line...)
	}
	return buf
}

// descend scans for boundary-delimited parts, parsing each one's own
// headers and body, and recursively flattening nested multipart or
// message/rfc822 children.
func descend(lr *lineio.LineReader, boundary string, idx *int) ([]MimePart, error) {
	var parts []MimePart

	// Skip the preamble: text before the first boundary line, discarded
	// per the header rules (text between boundaries that isn't a part).
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return parts, err
		}
		if line == nil {
			return parts, nil
		}
		if isB, isEnd := boundaryLine(line, boundary); isB {
			if isEnd {
				return parts, nil
			}
			break
		}
	}

	for {
		headerLines, err := readHeaderLines(lr)
		if err != nil {
			return parts, err
		}
		partHeaders := parseHeaderLines(headerLines)

		var bodyLines [][]byte
		terminal := false
		for {
			line, err := lr.ReadLine()
			if err != nil {
				return parts, err
			}
			if line == nil {
				// Missing terminating boundary: consume to EOF as the last
				// part.
				terminal = true
				break
			}
			if isB, isEnd := boundaryLine(line, boundary); isB {
				terminal = isEnd
				break
			}
			bodyLines = append(bodyLines, line)
		}

		body := joinBodyLines(bodyLines)
		children, err := processPart(partHeaders, body, idx)
		if err != nil {
			return parts, err
		}
		parts = append(parts, children...)

		if terminal {
			return parts, nil
		}
	}
}

// boundaryLine reports whether line is a boundary delimiter for the given
// boundary token, and whether it's the closing ("--boundary--") form.
func boundaryLine(line []byte, boundary string) (isBoundary, isEnd bool) {
	t := strings.TrimRight(string(line), "\r\n")
	prefix := "--" + boundary
	if !strings.HasPrefix(t, prefix) {
		return false, false
	}
	rest := t[len(prefix):]
	if rest == "--" {
		return true, true
	}
	return true, false
}

// joinBodyLines concatenates raw (terminator-included) lines, then strips
// the single trailing CRLF/LF that belongs to the boundary delimiter rather
// than the part's content.
func joinBodyLines(lines [][]byte) []byte {
	var buf []byte
	for _, l := range lines {
		buf = append(buf, l...)
	}
	if len(buf) >= 2 && buf[len(buf)-2] == '\r' && buf[len(buf)-1] == '\n' {
		return buf[:len(buf)-2]
	}
	if len(buf) >= 1 && buf[len(buf)-1] == '\n' {
		return buf[:len(buf)-1]
	}
	return buf
}

// processPart classifies one (headers, body) pair found during boundary
// descent, recursing into nested multipart/message-rfc822 content and
// flattening their children, or producing a single leaf MimePart.
func processPart(headers *MimeHeaders, body []byte, idx *int) ([]MimePart, error) {
	ct, _ := headers.Get("Content-Type")
	ct = strings.ToLower(strings.TrimSpace(ct))

	switch {
	case ct == "":
		return []MimePart{makeLeaf(headers, body, idx, "text/plain", PartText)}, nil

	case strings.HasPrefix(ct, "multipart/"):
		boundary, ok := headers.Param("Content-Type", "boundary")
		if !ok || boundary == "" {
			return []MimePart{makeLeaf(headers, body, idx, ct, PartFile)}, nil
		}
		sub := lineio.New(bytes.NewReader(body))
		return descend(sub, boundary, idx)

	case ct == "message/rfc822":
		msg, err := parseFrom(lineio.New(bytes.NewReader(body)))
		if err != nil {
			log.Errorf("rmime: failed to parse nested message/rfc822: %v", err)
			return []MimePart{makeLeaf(headers, body, idx, ct, PartFile)}, nil
		}
		return msg.Parts, nil

	case strings.HasPrefix(ct, "text/") || strings.HasPrefix(ct, "message/"):
		return []MimePart{makeLeaf(headers, body, idx, ct, PartText)}, nil

	default:
		return []MimePart{makeLeaf(headers, body, idx, ct, PartFile)}, nil
	}
}

func makeLeaf(headers *MimeHeaders, body []byte, idx *int, ct string, kind PartKind) MimePart {
	decoded := decodeBody(headers, body)
	md5b64, sha1b64, sha256b64 := digests(decoded)
	*idx++

	return MimePart{
		Headers:  *headers,
		Data:     decoded,
		Size:     int64(len(decoded)),
		MD5:      md5b64,
		SHA1:     sha1b64,
		SHA256:   sha256b64,
		Kind:     kind,
		Filename: deriveFilename(*idx, ct, headers),
	}
}

// decodeBody inspects Content-Transfer-Encoding and decodes base64 or
// quoted-printable content before digesting. On a quoted-printable decode
// error, it logs and falls back to the raw bytes, per the toolkit's error
// handling rule.
func decodeBody(headers *MimeHeaders, body []byte) []byte {
	cte, _ := headers.Get("Content-Transfer-Encoding")
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		clean := stripBase64Whitespace(body)
		out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
		n, err := base64.StdEncoding.Decode(out, clean)
		if err != nil {
			log.Errorf("rmime: base64 decode failed, using raw bytes: %v", err)
			return body
		}
		return out[:n]

	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			log.Errorf("rmime: quoted-printable decode failed, using raw bytes: %v", err)
			return body
		}
		return out

	default:
		return body
	}
}

func stripBase64Whitespace(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		out = append(out, c)
	}
	return out
}

func digests(data []byte) (md5b64, sha1b64, sha256b64 string) {
	m := md5.Sum(data)
	s1 := sha1.Sum(data)
	s256 := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(m[:]),
		base64.StdEncoding.EncodeToString(s1[:]),
		base64.StdEncoding.EncodeToString(s256[:])
}

// deriveFilename follows the toolkit's filename derivation order: explicit
// Content-Disposition filename, then Content-Type name, then a synthesized
// name from the part's index and declared type.
func deriveFilename(idx int, ct string, headers *MimeHeaders) string {
	if fn, ok := headers.Param("Content-Disposition", "filename"); ok && fn != "" {
		return fn
	}
	if fn, ok := headers.Param("Content-Type", "name"); ok && fn != "" {
		return fn
	}

	switch ct {
	case "message/rfc822":
		return fmt.Sprintf("rfc822.%d.eml", idx)
	case "text/html":
		return fmt.Sprintf("part.%d.html", idx)
	case "text/calendar":
		return fmt.Sprintf("part.%d.cal", idx)
	case "text/plain":
		return fmt.Sprintf("part.%d.txt", idx)
	}
	if strings.HasPrefix(ct, "image/") {
		return fmt.Sprintf("part.%d.img", idx)
	}
	return fmt.Sprintf("part.%d.dat", idx)
}
