// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

func textRow(eventID string, part, reactionPart int) *database.EventPart {
	return &database.EventPart{
		EventID: id.EventID("$" + eventID), MessageID: "m1", ChannelID: "c1",
		EventType: "m.room.message", EventSubtype: "m.text",
		Part: part, ReactionPart: reactionPart, Source: database.SourceDiscord,
	}
}

func imageRow(eventID string, part, reactionPart int) *database.EventPart {
	return &database.EventPart{
		EventID: id.EventID("$" + eventID), MessageID: "m1", ChannelID: "c1",
		EventType: "m.room.message", EventSubtype: "m.image",
		Part: part, ReactionPart: reactionPart, Source: database.SourceDiscord,
	}
}

func textEvent(body string) *PendingEvent {
	inner := map[string]any{"msgtype": "m.text", "body": body}
	return &PendingEvent{
		Type: event.EventMessage, Subtype: "m.text",
		Content: map[string]any{"msgtype": "m.text", "body": body},
		Inner:   inner,
	}
}

func imageEvent(name string) *PendingEvent {
	inner := map[string]any{"msgtype": "m.image", "body": name, "url": "mxc://x/" + name}
	return &PendingEvent{
		Type: event.EventMessage, Subtype: "m.image",
		Content: map[string]any{"msgtype": "m.image", "body": name, "url": "mxc://x/" + name},
		Inner:   inner,
	}
}

func TestEditToChanges_TextOnlyEdit(t *testing.T) {
	t.Parallel()
	old := []*database.EventPart{textRow("text", 0, 0)}
	changes := EditToChanges(old, []*PendingEvent{textEvent("new text")})

	require.Len(t, changes.ToReplace, 1)
	assert.Empty(t, changes.ToRedact)
	assert.Empty(t, changes.ToSend)
	assert.Empty(t, changes.Unchanged)

	content := changes.ToReplace[0].Content
	newContent := content["m.new_content"].(map[string]any)
	assert.Equal(t, "new text", newContent["body"])
	assert.Equal(t, "* new text", content["body"])
	relation := content["m.relates_to"].(map[string]any)
	assert.Equal(t, "m.replace", relation["rel_type"])
	assert.Equal(t, "$text", relation["event_id"])

	// Old primary survived, no promotion.
	assert.Nil(t, changes.PromotePart)
	assert.False(t, changes.PromotePartNextSent)
}

func TestEditToChanges_CaptionRemoved(t *testing.T) {
	t.Parallel()
	// Message was text + image; the edit removed the caption. Discord
	// cannot edit attachments, so the image pair must be unchanged, not
	// replaced, and the text event is redacted.
	old := []*database.EventPart{
		textRow("text", 0, 1),
		imageRow("img", 1, 0),
	}
	changes := EditToChanges(old, []*PendingEvent{imageEvent("pic.png")})

	assert.Empty(t, changes.ToReplace)
	assert.Empty(t, changes.ToSend)
	require.Len(t, changes.ToRedact, 1)
	assert.Equal(t, "$text", string(changes.ToRedact[0].EventID))
	require.Len(t, changes.Unchanged, 1)

	// The image inherits primary status.
	require.NotNil(t, changes.PromotePart)
	assert.Equal(t, "$img", string(*changes.PromotePart))
	assert.False(t, changes.PromotePartNextSent)
	// Reaction anchor already lived on the image.
	assert.Nil(t, changes.PromoteReactionPart)
}

func TestEditToChanges_CaptionAdded(t *testing.T) {
	t.Parallel()
	old := []*database.EventPart{imageRow("img", 0, 0)}
	changes := EditToChanges(old, []*PendingEvent{textEvent("caption"), imageEvent("pic.png")})

	require.Len(t, changes.ToSend, 1)
	assert.Equal(t, "m.text", changes.ToSend[0].Subtype)
	assert.Empty(t, changes.ToRedact)
	assert.Empty(t, changes.ToReplace)
	require.Len(t, changes.Unchanged, 1)

	// Image keeps part=0 (it survived); nothing to promote.
	assert.Nil(t, changes.PromotePart)
	assert.False(t, changes.PromotePartNextSent)
}

func TestEditToChanges_Conservation(t *testing.T) {
	t.Parallel()
	old := []*database.EventPart{
		textRow("a", 0, 1),
		textRow("b", 1, 1),
		imageRow("c", 1, 0),
	}
	newEvents := []*PendingEvent{textEvent("one"), imageEvent("x.png"), imageEvent("y.png")}
	changes := EditToChanges(old, newEvents)

	// replace + redact + unchanged covers all old events.
	assert.Equal(t, len(old),
		len(changes.ToReplace)+len(changes.ToRedact)+len(changes.Unchanged))
	// replace + send + unchanged covers all new events.
	assert.Equal(t, len(newEvents),
		len(changes.ToReplace)+len(changes.ToSend)+len(changes.Unchanged))
}

func TestEditToChanges_FirstFitPairing(t *testing.T) {
	t.Parallel()
	// Two old text events, two new text events: pairing is first-fit in
	// encounter order, so old "a" pairs with the first new event.
	old := []*database.EventPart{
		textRow("a", 0, 1),
		textRow("b", 1, 0),
	}
	changes := EditToChanges(old, []*PendingEvent{textEvent("first"), textEvent("second")})

	require.Len(t, changes.ToReplace, 2)
	assert.Equal(t, "$a", string(changes.ToReplace[0].Old.EventID))
	first := changes.ToReplace[0].Content["m.new_content"].(map[string]any)
	assert.Equal(t, "first", first["body"])
	assert.Equal(t, "$b", string(changes.ToReplace[1].Old.EventID))
	second := changes.ToReplace[1].Content["m.new_content"].(map[string]any)
	assert.Equal(t, "second", second["body"])
}

func TestEditToChanges_AllRedactedPromotesNextSent(t *testing.T) {
	t.Parallel()
	old := []*database.EventPart{imageRow("img", 0, 0)}
	changes := EditToChanges(old, []*PendingEvent{textEvent("now just text")})

	require.Len(t, changes.ToRedact, 1)
	require.Len(t, changes.ToSend, 1)
	assert.True(t, changes.PromotePartNextSent)
	assert.Nil(t, changes.PromotePart)
	assert.True(t, changes.PromoteReactionNextSent)
	assert.Nil(t, changes.PromoteReactionPart)
}

func TestEditToChanges_PromotionPrefersText(t *testing.T) {
	t.Parallel()
	// Primary sticker removed; both a text and an image event survive.
	// The text event wins the part=0 promotion, the image (lowest score,
	// last) takes the reaction anchor.
	old := []*database.EventPart{
		{EventID: "$st", MessageID: "m1", ChannelID: "c1", EventType: "m.sticker", EventSubtype: "", Part: 0, ReactionPart: 0, Source: database.SourceDiscord},
		textRow("text", 1, 1),
		imageRow("img", 1, 1),
	}
	changes := EditToChanges(old, []*PendingEvent{textEvent("body"), imageEvent("pic.png")})

	require.Len(t, changes.ToRedact, 1)
	assert.Equal(t, "$st", string(changes.ToRedact[0].EventID))
	require.NotNil(t, changes.PromotePart)
	assert.Equal(t, "$text", string(*changes.PromotePart))
	require.NotNil(t, changes.PromoteReactionPart)
	assert.Equal(t, "$img", string(*changes.PromoteReactionPart))
}

func TestEditToChanges_NestedRelationStripped(t *testing.T) {
	t.Parallel()
	reply := textEvent("reply body")
	reply.Content["m.relates_to"] = map[string]any{
		"m.in_reply_to": map[string]any{"event_id": "$parent"},
	}
	reply.Inner["m.relates_to"] = map[string]any{
		"m.in_reply_to": map[string]any{"event_id": "$parent"},
	}
	changes := EditToChanges([]*database.EventPart{textRow("text", 0, 0)}, []*PendingEvent{reply})

	require.Len(t, changes.ToReplace, 1)
	content := changes.ToReplace[0].Content
	newContent := content["m.new_content"].(map[string]any)
	_, hasNested := newContent["m.relates_to"]
	assert.False(t, hasNested, "m.new_content must not carry nested relations")
	relation := content["m.relates_to"].(map[string]any)
	assert.Equal(t, "m.replace", relation["rel_type"])
}
