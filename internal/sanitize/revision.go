package sanitize

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The writer restamps Producer and the dates of the information
// dictionary, so the final dictionary is appended as an incremental update
// that supersedes it.

type infoEntry struct {
	key   string
	value string
}

var (
	startxrefRe = regexp.MustCompile(`startxref\s+(\d+)\s+%%EOF\s*$`)
	sizeRe      = regexp.MustCompile(`/Size\s+(\d+)`)
	rootRe      = regexp.MustCompile(`/Root\s+(\d+\s+\d+\s+R)`)
	idRe        = regexp.MustCompile(`/ID\s*\[[^\]]*\]`)
)

func appendInfoRevision(pdf []byte, entries []infoEntry) ([]byte, error) {
	tail := pdf
	if len(tail) > 1024 {
		tail = tail[len(tail)-1024:]
	}
	m := startxrefRe.FindSubmatchIndex(tail)
	if m == nil {
		return nil, fmt.Errorf("append info revision: startxref not found")
	}
	tailStart := len(pdf) - len(tail)
	prev, err := strconv.Atoi(string(tail[m[2]:m[3]]))
	if err != nil || prev < 0 || prev >= tailStart+m[0] {
		return nil, fmt.Errorf("append info revision: bad startxref offset")
	}

	// Classic trailer or cross-reference stream dictionary.
	section := pdf[prev : tailStart+m[0]]
	if i := bytes.Index(section, []byte("stream")); i >= 0 {
		section = section[:i]
	}
	sm := sizeRe.FindSubmatch(section)
	rm := rootRe.FindSubmatch(section)
	if sm == nil || rm == nil {
		return nil, fmt.Errorf("append info revision: trailer lacks /Size or /Root")
	}
	objNr, err := strconv.Atoi(string(sm[1]))
	if err != nil {
		return nil, fmt.Errorf("append info revision: bad /Size: %w", err)
	}
	id := idRe.Find(section)

	var b bytes.Buffer
	b.Grow(len(pdf) + 512)
	b.Write(pdf)
	if !bytes.HasSuffix(pdf, []byte("\n")) {
		b.WriteByte('\n')
	}

	objOffset := b.Len()
	fmt.Fprintf(&b, "%d 0 obj\n<<", objNr)
	for _, e := range entries {
		fmt.Fprintf(&b, " /%s (%s)", e.key, escapeString(e.value))
	}
	b.WriteString(" >>\nendobj\n")

	xrefOffset := b.Len()
	fmt.Fprintf(&b, "xref\n%d 1\n%010d 00000 n\r\n", objNr, objOffset)
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root %s /Info %d 0 R /Prev %d", objNr+1, rm[1], objNr, prev)
	if id != nil {
		b.WriteByte(' ')
		b.Write(id)
	}
	fmt.Fprintf(&b, " >>\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return b.Bytes(), nil
}

var stringEscaper = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)

// escapeString escapes s for use inside a PDF literal string.
func escapeString(s string) string {
	return stringEscaper.Replace(s)
}
