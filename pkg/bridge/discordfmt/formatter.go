// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discordfmt converts Discord-flavored markdown to Matrix HTML.
package discordfmt

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Resolver supplies the entity lookups needed to render Discord mention
// syntax. Implementations must tolerate unknown IDs and return zero
// values for them.
type Resolver interface {
	// UserMXID returns the bridged Matrix user for a Discord user ID, or
	// "" when the user has no sim yet.
	UserMXID(userID string) id.UserID
	// UserName returns a display name for a Discord user ID.
	UserName(userID string) string
	// ChannelRoomID returns the bridged room for a channel, or "".
	ChannelRoomID(channelID string) id.RoomID
	// ChannelName returns the name of a Discord channel.
	ChannelName(channelID string) string
	// RoleName returns the name of a Discord role.
	RoleName(roleID string) string
	// EmojiURI returns the uploaded mxc URI for a custom emoji ID, or the
	// zero URI when the emoji was never uploaded.
	EmojiURI(emojiID string) id.ContentURI
}

var (
	userMentionRe    = regexp.MustCompile(`<@!?(\d+)>`)
	channelMentionRe = regexp.MustCompile(`<#(\d+)>`)
	roleMentionRe    = regexp.MustCompile(`<@&(\d+)>`)
	customEmojiRe    = regexp.MustCompile(`<(a?):(\w+):(\d+)>`)
	timestampRe      = regexp.MustCompile(`<t:(-?\d+)(?::[tTdDfFR])?>`)
	spoilerRe        = regexp.MustCompile(`\|\|((?s).+?)\|\|`)
	underlineRe      = regexp.MustCompile(`__((?s).+?)__`)
)

// Discord renders single newlines as hard line breaks and supports
// strikethrough, so the renderer is configured to match.
var renderer = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
	// Unsafe is required so the mention pills injected as raw HTML
	// survive rendering; user text is escaped before injection.
	goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps(), goldmarkhtml.WithUnsafe()),
)

// Parsed is the converted message content pair. Body is the plain-text
// fallback, FormattedBody the HTML rendition.
type Parsed struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// Parse converts Discord markdown to Matrix message content. Plain
// messages with no markup come back with an empty FormattedBody so the
// caller can send an unformatted event.
func Parse(text string, resolver Resolver) *Parsed {
	if text == "" {
		return &Parsed{}
	}

	body := renderPlainMentions(text, resolver)

	markup := resolveMentions(text, resolver)
	if markup == text && !hasMarkdown(text) {
		return &Parsed{Body: body}
	}

	var buf bytes.Buffer
	if err := renderer.Convert([]byte(markup), &buf); err != nil {
		return &Parsed{Body: body}
	}
	formatted := strings.TrimSpace(buf.String())

	// Single-paragraph messages don't need the wrapping <p>.
	if strings.HasPrefix(formatted, "<p>") && strings.HasSuffix(formatted, "</p>") &&
		strings.Count(formatted, "<p>") == 1 {
		formatted = strings.TrimSuffix(strings.TrimPrefix(formatted, "<p>"), "</p>")
	}

	return &Parsed{
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

func hasMarkdown(text string) bool {
	return strings.ContainsAny(text, "*_~`>#[|") || strings.Contains(text, "\n")
}

// resolveMentions rewrites Discord mention syntax into HTML fragments
// that survive markdown rendering (goldmark passes raw HTML through).
func resolveMentions(text string, resolver Resolver) string {
	text = spoilerRe.ReplaceAllString(text, `<span data-mx-spoiler>$1</span>`)
	text = underlineRe.ReplaceAllString(text, "<u>$1</u>")
	text = userMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		userID := userMentionRe.FindStringSubmatch(match)[1]
		name := resolver.UserName(userID)
		if name == "" {
			name = userID
		}
		if mxid := resolver.UserMXID(userID); mxid != "" {
			return fmt.Sprintf(`<a href="%s">%s</a>`, mxid.URI().MatrixToURL(), html.EscapeString(name))
		}
		return "@" + html.EscapeString(name)
	})
	text = channelMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		channelID := channelMentionRe.FindStringSubmatch(match)[1]
		name := resolver.ChannelName(channelID)
		if name == "" {
			name = channelID
		}
		if roomID := resolver.ChannelRoomID(channelID); roomID != "" {
			return fmt.Sprintf(`<a href="%s">#%s</a>`, roomID.URI().MatrixToURL(), html.EscapeString(name))
		}
		return "#" + html.EscapeString(name)
	})
	text = roleMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		roleID := roleMentionRe.FindStringSubmatch(match)[1]
		name := resolver.RoleName(roleID)
		if name == "" {
			name = roleID
		}
		return "@" + html.EscapeString(name)
	})
	text = customEmojiRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := customEmojiRe.FindStringSubmatch(match)
		name, emojiID := parts[2], parts[3]
		uri := resolver.EmojiURI(emojiID)
		if uri.IsEmpty() {
			return ":" + name + ":"
		}
		return fmt.Sprintf(`<img data-mx-emoticon src="%s" alt=":%s:" title=":%s:" height="32">`,
			uri.String(), name, name)
	})
	text = timestampRe.ReplaceAllString(text, "$1")
	return text
}

// renderPlainMentions produces the plain-text body: mention syntax is
// replaced with readable names, markdown is left untouched since Discord
// users wrote it as text.
func renderPlainMentions(text string, resolver Resolver) string {
	text = spoilerRe.ReplaceAllString(text, "[spoiler]")
	text = userMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		userID := userMentionRe.FindStringSubmatch(match)[1]
		if name := resolver.UserName(userID); name != "" {
			return "@" + name
		}
		return "@" + userID
	})
	text = channelMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		channelID := channelMentionRe.FindStringSubmatch(match)[1]
		if name := resolver.ChannelName(channelID); name != "" {
			return "#" + name
		}
		return "#" + channelID
	})
	text = roleMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		roleID := roleMentionRe.FindStringSubmatch(match)[1]
		if name := resolver.RoleName(roleID); name != "" {
			return "@" + name
		}
		return "@" + roleID
	})
	text = customEmojiRe.ReplaceAllString(text, ":$2:")
	text = timestampRe.ReplaceAllString(text, "$1")
	return text
}
