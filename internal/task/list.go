package task

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

// Task list formats.
const (
	// FormatURLs is a plain text file with one URL per line. Blank lines
	// and lines starting with # are ignored.
	FormatURLs = "urls"
	// FormatJSON is a JSON array of task objects with a required "url"
	// and optional "output_path", "format", "args", "postprocess" and
	// "postprocess_output" fields.
	FormatJSON = "json"
)

// ParseList reads a task list in the given format. Entries without an
// explicit output path get one derived from the URL; see DeriveOutput. An
// empty list is not an error; a run over it completes immediately.
func ParseList(r io.Reader, format string) ([]Spec, error) {
	var (
		specs []Spec
		err   error
	)
	switch format {
	case FormatURLs:
		specs, err = parseURLList(r)
	case FormatJSON:
		specs, err = parseJSONList(r)
	default:
		return nil, fmt.Errorf("unknown task list format %q", format)
	}
	if err != nil {
		return nil, err
	}
	for i := range specs {
		if specs[i].Output == "" {
			specs[i].Output = DeriveOutput(specs[i].URL)
		}
	}
	return specs, nil
}

func parseURLList(r io.Reader) ([]Spec, error) {
	var specs []Spec
	scanner := bufio.NewScanner(r)
	// URLs are short, but leave room for long signed query strings.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		u := strings.TrimSpace(scanner.Text())
		if u == "" || strings.HasPrefix(u, "#") {
			continue
		}
		specs = append(specs, Spec{URL: u})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read task list at line %d: %w", line, err)
	}
	return specs, nil
}

func parseJSONList(r io.Reader) ([]Spec, error) {
	var specs []Spec
	dec := json.NewDecoder(r)
	if err := dec.Decode(&specs); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	for i, spec := range specs {
		if strings.TrimSpace(spec.URL) == "" {
			return nil, fmt.Errorf("task list entry %d: missing url", i)
		}
	}
	return specs, nil
}

// DeriveOutput produces a stable artifact directory name for a URL that
// carries no explicit output path: the video id for watch URLs, otherwise
// the last path segment, otherwise a digest of the whole URL. The name is
// sanitized to a flat path component.
func DeriveOutput(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if id := u.Query().Get("v"); id != "" {
			return sanitizeOutput(id)
		}
		if seg := path.Base(strings.TrimRight(u.Path, "/")); seg != "" && seg != "." && seg != "/" {
			return sanitizeOutput(seg)
		}
	}
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:6])
}

func sanitizeOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:6])
	}
	return out
}
