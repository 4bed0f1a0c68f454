// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relayfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	htmlPreRe   = regexp.MustCompile(`(?s)<pre[^>]*>(?:<span></span>)?(?:<code[^>]*>)?(.*?)(?:</code>)?</pre>`)
	htmlCodeRe  = regexp.MustCompile(`(?s)<code[^>]*>(.*?)</code>`)
	htmlBoldRe  = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	htmlEmRe    = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	htmlDelRe   = regexp.MustCompile(`(?s)<(?:del|s)>(.*?)</(?:del|s)>`)
	htmlLinkRe  = regexp.MustCompile(`(?s)<a [^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	htmlHeadRe  = regexp.MustCompile(`(?s)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	htmlQuoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	htmlListRe  = regexp.MustCompile(`(?s)<(ul|ol)>(.*?)</(?:ul|ol)>`)
	htmlItemRe  = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	htmlParaRe  = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	htmlBrRe    = regexp.MustCompile(`<br\s*/?>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
)

// HTMLToMarkdown converts server-rendered message HTML (as delivered by
// Zulip) back into readable chat markdown. Unknown tags are dropped and
// entities are decoded.
func HTMLToMarkdown(s string) string {
	if !strings.Contains(s, "<") {
		return html.UnescapeString(s)
	}

	// Code is stashed before anything else so its content is kept verbatim.
	var stash []string
	keep := func(v string) string {
		stash = append(stash, v)
		return "\x00KEEP" + strconv.Itoa(len(stash)-1) + "\x00"
	}
	s = htmlPreRe.ReplaceAllStringFunc(s, func(m string) string {
		body := htmlTagRe.ReplaceAllString(htmlPreRe.FindStringSubmatch(m)[1], "")
		return keep("```\n" + strings.TrimSuffix(body, "\n") + "\n```\n\n")
	})
	s = htmlCodeRe.ReplaceAllStringFunc(s, func(m string) string {
		return keep("`" + htmlCodeRe.FindStringSubmatch(m)[1] + "`")
	})

	s = htmlBoldRe.ReplaceAllString(s, "**$1**")
	s = htmlEmRe.ReplaceAllString(s, "*$1*")
	s = htmlDelRe.ReplaceAllString(s, "~~$1~~")
	s = htmlLinkRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := htmlLinkRe.FindStringSubmatch(m)
		href, label := parts[1], parts[2]
		if htmlTagRe.ReplaceAllString(label, "") == href {
			return href
		}
		return "[" + label + "](" + href + ")"
	})
	s = htmlHeadRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := htmlHeadRe.FindStringSubmatch(m)
		level, _ := strconv.Atoi(parts[1])
		return strings.Repeat("#", level) + " " + strings.TrimSpace(parts[2]) + "\n\n"
	})
	s = htmlListRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := htmlListRe.FindStringSubmatch(m)
		var lines []string
		for i, item := range htmlItemRe.FindAllStringSubmatch(parts[2], -1) {
			marker := "- "
			if parts[1] == "ol" {
				marker = strconv.Itoa(i+1) + ". "
			}
			lines = append(lines, marker+strings.TrimSpace(htmlTagRe.ReplaceAllString(item[1], "")))
		}
		return strings.Join(lines, "\n") + "\n\n"
	})
	s = htmlParaRe.ReplaceAllString(s, "$1\n\n")
	s = htmlBrRe.ReplaceAllString(s, "\n")
	s = htmlQuoteRe.ReplaceAllStringFunc(s, func(m string) string {
		inner := strings.TrimSpace(htmlTagRe.ReplaceAllString(htmlQuoteRe.FindStringSubmatch(m)[1], ""))
		lines := strings.Split(inner, "\n")
		for i, line := range lines {
			lines[i] = strings.TrimSpace("> " + line)
		}
		return strings.Join(lines, "\n") + "\n\n"
	})
	s = htmlTagRe.ReplaceAllString(s, "")

	for i, v := range stash {
		s = strings.Replace(s, "\x00KEEP"+strconv.Itoa(i)+"\x00", v, 1)
	}
	s = html.UnescapeString(s)
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
