// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Discord markdown.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	mxReplyRe    = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	strongRe     = regexp.MustCompile(`</?(?:strong|b)>`)
	emRe         = regexp.MustCompile(`</?(?:em|i)>`)
	underlineRe  = regexp.MustCompile(`</?u>`)
	delRe        = regexp.MustCompile(`</?(?:del|s|strike)>`)
	spoilerRe    = regexp.MustCompile(`(?s)<span[^>]*data-mx-spoiler[^>]*>(.*?)</span>`)
	emoticonRe   = regexp.MustCompile(`<img[^>]*data-mx-emoticon[^>]*alt="([^"]*)"[^>]*>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code(?: class="language-(\w+)")?>(.*?)</code></pre>`)
	codeRe       = regexp.MustCompile(`<code>(.*?)</code>`)
	linkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	matrixToRe   = regexp.MustCompile(`^https://matrix\.to/#/`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// Parse converts Matrix message content to Discord markdown. Reply
// fallbacks are stripped; the caller renders replies Discord-side.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text := mxReplyRe.ReplaceAllString(content.FormattedBody, "")

	// Code blocks first so their content survives untouched.
	text = preRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := preRe.FindStringSubmatch(match)
		return "```" + parts[1] + "\n" + strings.TrimRight(parts[2], "\n") + "\n```"
	})
	text = codeRe.ReplaceAllString(text, "`$1`")

	// Custom emoji images carry their :name: in the alt attribute.
	text = emoticonRe.ReplaceAllString(text, "$1")

	// Inline formatting, Discord flavors.
	text = strongRe.ReplaceAllString(text, "**")
	text = emRe.ReplaceAllString(text, "*")
	text = underlineRe.ReplaceAllString(text, "__")
	text = delRe.ReplaceAllString(text, "~~")
	text = spoilerRe.ReplaceAllString(text, "||$1||")

	// Links: matrix.to pills become their label, real URLs become markdown.
	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href, label := parts[1], parts[2]
		if matrixToRe.MatchString(href) {
			return label
		}
		if href == label {
			return href
		}
		return "[" + label + "](" + href + ")"
	})

	text = headingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		level := int(parts[1][0] - '0')
		// Discord only renders h1-h3.
		if level > 3 {
			level = 3
		}
		return strings.Repeat("#", level) + " " + parts[2] + "\n"
	})

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		lines := strings.Split(strings.TrimSpace(parts[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})

	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		var result []string
		for _, item := range items {
			result = append(result, "- "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})
	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		var result []string
		for i, item := range items {
			result = append(result, strconv.Itoa(i+1)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	return strings.TrimSpace(text)
}
