// ABOUTME: Markdown task-list parsing via goldmark's task list extension
// ABOUTME: Unchecked items become findings; an optional "category:" prefix routes them

package discovery

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownMarker labels findings that came from a markdown task list.
const MarkdownMarker = "CHECKLIST"

var (
	taskListMarkdown = goldmark.New(goldmark.WithExtensions(extension.TaskList))
	categoryPrefix   = regexp.MustCompile(`^([a-z][a-z0-9_-]*):\s+(.+)$`)
)

// parseTaskList returns a finding for each unchecked "- [ ]" item in data.
func parseTaskList(path string, data []byte, defaultCategory string) []Finding {
	doc := taskListMarkdown.Parser().Parse(text.NewReader(data))

	var findings []Finding
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		box, ok := n.(*east.TaskCheckBox)
		if !ok || box.IsChecked {
			return ast.WalkContinue, nil
		}

		var buf bytes.Buffer
		start := -1
		for sib := box.NextSibling(); sib != nil; sib = sib.NextSibling() {
			collectText(sib, data, &buf, &start)
		}
		item := strings.TrimSpace(buf.String())
		if item == "" {
			return ast.WalkContinue, nil
		}

		category := defaultCategory
		if m := categoryPrefix.FindStringSubmatch(item); m != nil {
			category, item = m[1], m[2]
		}
		line := 1
		if start >= 0 {
			line += bytes.Count(data[:start], []byte("\n"))
		}
		findings = append(findings, Finding{
			Path:     path,
			Line:     line,
			Marker:   MarkdownMarker,
			Text:     item,
			Category: category,
		})
		return ast.WalkSkipChildren, nil
	})
	return findings
}

// collectText appends the raw text under n, recording the first segment offset.
func collectText(n ast.Node, source []byte, buf *bytes.Buffer, start *int) {
	if t, ok := n.(*ast.Text); ok {
		if *start < 0 {
			*start = t.Segment.Start
		}
		buf.Write(t.Segment.Value(source))
		if t.SoftLineBreak() || t.HardLineBreak() {
			buf.WriteByte(' ')
		}
		return
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		collectText(c, source, buf, start)
	}
}
