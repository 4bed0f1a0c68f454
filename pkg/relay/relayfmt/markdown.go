// Copyright 2024-2026 Aiku AI

package relayfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	mdFenceRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	mdCodeRe   = regexp.MustCompile("`([^`]+)`")
	mdBoldRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalicRe = regexp.MustCompile(`(^|[^\w*])[_*]([^_*\s](?:[^_*\n]*[^_*\s])?)[_*]($|[^\w*])`)
	mdStrikeRe = regexp.MustCompile(`~~(.+?)~~`)
	mdLinkRe   = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	mdHeadRe   = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	mdQuoteRe  = regexp.MustCompile(`^>\s?(.*)$`)
	mdULRe     = regexp.MustCompile(`^\s*[-*+]\s+(.+)$`)
	mdOLRe     = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)
	mdSyntaxRe = regexp.MustCompile("(?m)```|`[^`]+`|\\*\\*|~~|\\[[^\\]]+\\]\\(|^#{1,6}\\s|^>|^\\s*[-*+]\\s|^\\s*\\d+[.)]\\s|(^|\\W)_[^_\\n]+_(\\W|$)")
)

const fencePlaceholder = "\x00FENCE"

// MarkdownToHTML converts chat markdown (the dialect used by Zulip and
// Mattermost) into HTML suitable for a Matrix formatted_body. ok is false
// when text has no markdown syntax and the plain body is enough.
func MarkdownToHTML(text string) (formatted string, ok bool) {
	if text == "" || !mdSyntaxRe.MatchString(text) {
		return "", false
	}

	// Fenced code is pulled out first so nothing inside it gets formatted.
	var fences []string
	text = mdFenceRe.ReplaceAllStringFunc(text, func(match string) string {
		m := mdFenceRe.FindStringSubmatch(match)
		code := html.EscapeString(strings.TrimSuffix(m[2], "\n"))
		block := "<pre><code>" + code + "</code></pre>"
		if m[1] != "" {
			block = `<pre><code class="language-` + html.EscapeString(m[1]) + `">` + code + "</code></pre>"
		}
		fences = append(fences, block)
		return fencePlaceholder + strconv.Itoa(len(fences)-1) + "\x00"
	})

	var (
		out      []string
		listTag  string
		listBody strings.Builder
	)
	closeList := func() {
		if listTag == "" {
			return
		}
		out = append(out, "<"+listTag+">"+listBody.String()+"</"+listTag+">")
		listBody.Reset()
		listTag = ""
	}
	openList := func(tag, item string) {
		if listTag != tag {
			closeList()
			listTag = tag
		}
		listBody.WriteString("<li>" + inlineMarkdown(item) + "</li>")
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, fencePlaceholder):
			closeList()
			out = append(out, line)
		case mdHeadRe.MatchString(line):
			closeList()
			m := mdHeadRe.FindStringSubmatch(line)
			lvl := strconv.Itoa(len(m[1]))
			out = append(out, "<h"+lvl+">"+inlineMarkdown(m[2])+"</h"+lvl+">")
		case mdQuoteRe.MatchString(line):
			closeList()
			m := mdQuoteRe.FindStringSubmatch(line)
			out = append(out, "<blockquote>"+inlineMarkdown(m[1])+"</blockquote>")
		case mdULRe.MatchString(line):
			openList("ul", mdULRe.FindStringSubmatch(line)[1])
		case mdOLRe.MatchString(line):
			openList("ol", mdOLRe.FindStringSubmatch(line)[1])
		default:
			closeList()
			out = append(out, inlineMarkdown(line))
		}
	}
	closeList()

	formatted = strings.Join(out, "<br/>")
	for i, block := range fences {
		formatted = strings.Replace(formatted, fencePlaceholder+strconv.Itoa(i)+"\x00", block, 1)
	}
	// Block elements carry their own line breaks.
	for _, tag := range []string{"</h1>", "</h2>", "</h3>", "</h4>", "</h5>", "</h6>", "</blockquote>", "</ul>", "</ol>", "</pre>"} {
		formatted = strings.ReplaceAll(formatted, tag+"<br/>", tag)
	}
	return formatted, true
}

// inlineMarkdown escapes one line and applies span-level formatting.
func inlineMarkdown(line string) string {
	var spans []string
	line = mdCodeRe.ReplaceAllStringFunc(line, func(match string) string {
		spans = append(spans, "<code>"+html.EscapeString(mdCodeRe.FindStringSubmatch(match)[1])+"</code>")
		return "\x00SPAN" + strconv.Itoa(len(spans)-1) + "\x00"
	})

	line = html.EscapeString(line)
	line = mdBoldRe.ReplaceAllString(line, "<strong>$1</strong>")
	line = mdStrikeRe.ReplaceAllString(line, "<del>$1</del>")
	// Adjacent spans share a delimiter context, so a second pass catches them.
	for range 2 {
		line = mdItalicRe.ReplaceAllString(line, "$1<em>$2</em>$3")
	}
	line = mdLinkRe.ReplaceAllStringFunc(line, func(match string) string {
		m := mdLinkRe.FindStringSubmatch(match)
		label, href := m[1], m[2]
		if !safeLink(html.UnescapeString(href)) {
			return label
		}
		return `<a href="` + href + `">` + label + "</a>"
	})

	for i, span := range spans {
		line = strings.Replace(line, "\x00SPAN"+strconv.Itoa(i)+"\x00", span, 1)
	}
	return line
}

// safeLink allows only schemes that cannot run script in a client.
func safeLink(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}
