// ABOUTME: Comment marker matcher for source files
// ABOUTME: Finds TODO-style markers and maps each to its configured category

package discovery

import (
	"bufio"
	"bytes"
	"regexp"
	"sort"
	"strings"
)

type markerMatcher struct {
	re         *regexp.Regexp
	categories map[string]string
}

// newMarkerMatcher builds a matcher for upper-case markers that open a
// comment, with an optional owner and colon, e.g. "// TODO(ana): x".
func newMarkerMatcher(markers map[string]string) *markerMatcher {
	names := make([]string, 0, len(markers))
	categories := make(map[string]string, len(markers))
	for name, category := range markers {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		names = append(names, regexp.QuoteMeta(name))
		categories[name] = category
	}
	// Longest first so overlapping markers prefer the most specific.
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	pattern := `(?://|#|/\*|\*|--|;|<!--)\s*(` + strings.Join(names, "|") + `)\b(?:\([^)]*\))?:?\s*(.*)$`
	return &markerMatcher{
		re:         regexp.MustCompile(pattern),
		categories: categories,
	}
}

// scan returns one finding per line carrying a marker. Binary content is skipped.
func (m *markerMatcher) scan(path string, data []byte) []Finding {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return nil
	}

	var findings []Finding
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	line := 0
	for sc.Scan() {
		line++
		match := m.re.FindSubmatch(sc.Bytes())
		if match == nil {
			continue
		}
		marker := string(match[1])
		text := strings.TrimSpace(string(match[2]))
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(text, "*/"), "-->"))
		if text == "" {
			continue
		}
		findings = append(findings, Finding{
			Path:     path,
			Line:     line,
			Marker:   marker,
			Text:     text,
			Category: m.categories[marker],
		})
	}
	return findings
}
