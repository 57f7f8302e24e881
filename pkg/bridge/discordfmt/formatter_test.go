// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discordfmt

import (
	"strings"
	"testing"

	"maunium.net/go/mautrix/id"
)

type fakeResolver struct {
	users    map[string]string
	mxids    map[string]id.UserID
	channels map[string]string
	rooms    map[string]id.RoomID
	roles    map[string]string
	emoji    map[string]id.ContentURI
}

func (f *fakeResolver) UserMXID(userID string) id.UserID         { return f.mxids[userID] }
func (f *fakeResolver) UserName(userID string) string            { return f.users[userID] }
func (f *fakeResolver) ChannelRoomID(channelID string) id.RoomID { return f.rooms[channelID] }
func (f *fakeResolver) ChannelName(channelID string) string      { return f.channels[channelID] }
func (f *fakeResolver) RoleName(roleID string) string            { return f.roles[roleID] }
func (f *fakeResolver) EmojiURI(emojiID string) id.ContentURI {
	return f.emoji[emojiID]
}

func emptyResolver() *fakeResolver {
	return &fakeResolver{}
}

func TestParse_Plain(t *testing.T) {
	t.Parallel()
	parsed := Parse("hello world", emptyResolver())
	if parsed.Body != "hello world" {
		t.Errorf("Body = %q", parsed.Body)
	}
	if parsed.FormattedBody != "" {
		t.Errorf("plain message should not be formatted, got %q", parsed.FormattedBody)
	}
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()
	parsed := Parse("", emptyResolver())
	if parsed.Body != "" || parsed.FormattedBody != "" {
		t.Errorf("got %+v", parsed)
	}
}

func TestParse_Markdown(t *testing.T) {
	t.Parallel()
	parsed := Parse("**bold** and ~~gone~~", emptyResolver())
	if parsed.Body != "**bold** and ~~gone~~" {
		t.Errorf("Body = %q", parsed.Body)
	}
	if !strings.Contains(parsed.FormattedBody, "<strong>bold</strong>") {
		t.Errorf("FormattedBody = %q", parsed.FormattedBody)
	}
	if !strings.Contains(parsed.FormattedBody, "<del>gone</del>") {
		t.Errorf("FormattedBody = %q", parsed.FormattedBody)
	}
}

func TestParse_HardLineBreaks(t *testing.T) {
	t.Parallel()
	parsed := Parse("line one\nline two", emptyResolver())
	if !strings.Contains(parsed.FormattedBody, "<br") {
		t.Errorf("single newline should become a line break, got %q", parsed.FormattedBody)
	}
}

func TestParse_UserMention(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{
		users: map[string]string{"123": "gamer"},
		mxids: map[string]id.UserID{"123": "@_discord_123:example.org"},
	}
	parsed := Parse("hi <@123>", resolver)
	if parsed.Body != "hi @gamer" {
		t.Errorf("Body = %q", parsed.Body)
	}
	if !strings.Contains(parsed.FormattedBody, "matrix.to/#/%40_discord_123") &&
		!strings.Contains(parsed.FormattedBody, "matrix.to/#/@_discord_123") {
		t.Errorf("expected a matrix.to pill, got %q", parsed.FormattedBody)
	}
	if !strings.Contains(parsed.FormattedBody, ">gamer</a>") {
		t.Errorf("pill label missing, got %q", parsed.FormattedBody)
	}
}

func TestParse_UnknownUserMention(t *testing.T) {
	t.Parallel()
	parsed := Parse("hi <@999>", emptyResolver())
	if parsed.Body != "hi @999" {
		t.Errorf("Body = %q", parsed.Body)
	}
}

func TestParse_ChannelMention(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{
		channels: map[string]string{"42": "general"},
		rooms:    map[string]id.RoomID{"42": "!room:example.org"},
	}
	parsed := Parse("see <#42>", resolver)
	if parsed.Body != "see #general" {
		t.Errorf("Body = %q", parsed.Body)
	}
	if !strings.Contains(parsed.FormattedBody, ">#general</a>") {
		t.Errorf("FormattedBody = %q", parsed.FormattedBody)
	}
}

func TestParse_RoleMention(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{roles: map[string]string{"7": "mods"}}
	parsed := Parse("hey <@&7>", resolver)
	if parsed.Body != "hey @mods" {
		t.Errorf("Body = %q", parsed.Body)
	}
}

func TestParse_CustomEmoji(t *testing.T) {
	t.Parallel()
	uri, _ := id.ParseContentURI("mxc://bridge/cat")
	resolver := &fakeResolver{emoji: map[string]id.ContentURI{"555": uri}}
	parsed := Parse("nice <:cat:555>", resolver)
	if parsed.Body != "nice :cat:" {
		t.Errorf("Body = %q", parsed.Body)
	}
	if !strings.Contains(parsed.FormattedBody, `src="mxc://bridge/cat"`) {
		t.Errorf("FormattedBody = %q", parsed.FormattedBody)
	}
}

func TestParse_UnknownCustomEmoji(t *testing.T) {
	t.Parallel()
	parsed := Parse("nice <:dog:556>", emptyResolver())
	if parsed.Body != "nice :dog:" {
		t.Errorf("Body = %q", parsed.Body)
	}
}

func TestParse_Spoiler(t *testing.T) {
	t.Parallel()
	parsed := Parse("the killer is ||the butler||", emptyResolver())
	if !strings.Contains(parsed.FormattedBody, "data-mx-spoiler") {
		t.Errorf("FormattedBody = %q", parsed.FormattedBody)
	}
	if !strings.Contains(parsed.Body, "[spoiler]") {
		t.Errorf("Body = %q", parsed.Body)
	}
}
