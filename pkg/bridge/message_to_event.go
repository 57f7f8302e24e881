// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/bridge/discordfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

// PendingEvent is one Matrix event produced from a Discord message,
// before sending. Content carries the reply/edit fallback markers;
// Inner is the same content without them, used as m.new_content when the
// event replaces an earlier one. The two are built in lockstep so the
// edit reconciler can pair either form.
type PendingEvent struct {
	Type    event.Type
	Subtype string
	Content map[string]any
	Inner   map[string]any
}

// pollStartType is the MSC3381 poll start event type.
var (
	pollStartType    = event.Type{Type: "org.matrix.msc3381.poll.start", Class: event.MessageEventType}
	pollResponseType = event.Type{Type: "org.matrix.msc3381.poll.response", Class: event.MessageEventType}
	pollEndType      = event.Type{Type: "org.matrix.msc3381.poll.end", Class: event.MessageEventType}
)

// MessageToEvents converts a Discord message into the ordered Matrix
// event list. Index 0 is the primary event (reply and pin target); the
// last index is where reactions attach. Reply fallbacks and relations
// are resolved against the database, media is resolved through the
// Matrix uploader; everything else is a pure transform.
func (br *Bridge) MessageToEvents(ctx context.Context, msg *discordgo.Message) ([]*PendingEvent, error) {
	var events []*PendingEvent

	if msg.Poll != nil {
		evt := pollToEvent(msg.Poll)
		events = append(events, evt)
	}

	if msg.Content != "" {
		evt, err := br.textToEvent(ctx, msg)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	for _, att := range msg.Attachments {
		evt, err := br.attachmentToEvent(ctx, att)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	for _, sticker := range msg.StickerItems {
		evt, err := br.stickerToEvent(ctx, sticker)
		if err != nil {
			return nil, err
		}
		if evt != nil {
			events = append(events, evt)
		}
	}

	if len(events) == 0 {
		// System messages, embeds-only crossposts and similar leave
		// nothing to bridge; callers treat an empty list as a skip.
		return nil, nil
	}
	return events, nil
}

func (br *Bridge) textToEvent(ctx context.Context, msg *discordgo.Message) (*PendingEvent, error) {
	parsed := discordfmt.Parse(msg.Content, br.resolver(msg.GuildID))

	inner := map[string]any{
		"msgtype": "m.text",
		"body":    parsed.Body,
	}
	if parsed.FormattedBody != "" {
		inner["format"] = "org.matrix.custom.html"
		inner["formatted_body"] = parsed.FormattedBody
	}

	content := copyContent(inner)
	if msg.MessageReference != nil && msg.MessageReference.MessageID != "" {
		if err := br.addReplyFallback(ctx, content, msg); err != nil {
			return nil, err
		}
	}

	return &PendingEvent{
		Type:    event.EventMessage,
		Subtype: "m.text",
		Content: content,
		Inner:   inner,
	}, nil
}

// addReplyFallback attaches the in_reply_to relation and the quoted
// fallback when the replied-to message is bridged. Unbridged reply
// targets degrade to a plain message.
func (br *Bridge) addReplyFallback(ctx context.Context, content map[string]any, msg *discordgo.Message) error {
	target, err := br.DB.EventMessage.GetPrimary(ctx, msg.MessageReference.MessageID)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	content["m.relates_to"] = map[string]any{
		"m.in_reply_to": map[string]any{"event_id": target.EventID.String()},
	}

	quoted := "a message"
	if msg.ReferencedMessage != nil && msg.ReferencedMessage.Content != "" {
		quoted = msg.ReferencedMessage.Content
		if cut := strings.IndexByte(quoted, '\n'); cut >= 0 {
			quoted = quoted[:cut] + " [...]"
		}
	}
	body, _ := content["body"].(string)
	content["body"] = fmt.Sprintf("> %s\n\n%s", quoted, body)
	return nil
}

func (br *Bridge) attachmentToEvent(ctx context.Context, att *discordgo.MessageAttachment) (*PendingEvent, error) {
	msgtype := "m.file"
	switch {
	case strings.HasPrefix(att.ContentType, "image/"):
		msgtype = "m.image"
	case strings.HasPrefix(att.ContentType, "video/"):
		msgtype = "m.video"
	case strings.HasPrefix(att.ContentType, "audio/"):
		msgtype = "m.audio"
	}

	// Oversized files are linked rather than copied into the media repo.
	if int64(att.Size) > br.Config.Bridge.MaxAttachmentBytes {
		inner := map[string]any{
			"msgtype": "m.text",
			"body":    fmt.Sprintf("%s (too large to bridge): %s", att.Filename, att.URL),
		}
		return &PendingEvent{
			Type:    event.EventMessage,
			Subtype: "m.text",
			Content: copyContent(inner),
			Inner:   inner,
		}, nil
	}

	uri, err := br.Matrix.UploadFile(ctx, att.URL)
	if err != nil {
		return nil, fmt.Errorf("uploading attachment %s: %w", att.ID, err)
	}

	info := map[string]any{
		"mimetype": att.ContentType,
		"size":     att.Size,
	}
	if att.Width > 0 {
		info["w"] = att.Width
		info["h"] = att.Height
	}
	inner := map[string]any{
		"msgtype": msgtype,
		"body":    att.Filename,
		"url":     uri.String(),
		"info":    info,
	}
	return &PendingEvent{
		Type:    event.EventMessage,
		Subtype: msgtype,
		Content: copyContent(inner),
		Inner:   inner,
	}, nil
}

func (br *Bridge) stickerToEvent(ctx context.Context, sticker *discordgo.StickerItem) (*PendingEvent, error) {
	if sticker.FormatType == discordgo.StickerFormatTypeLottie {
		// Lottie stickers have no portable raster form.
		inner := map[string]any{
			"msgtype": "m.text",
			"body":    fmt.Sprintf("[sticker: %s]", sticker.Name),
		}
		return &PendingEvent{
			Type:    event.EventMessage,
			Subtype: "m.text",
			Content: copyContent(inner),
			Inner:   inner,
		}, nil
	}

	url := fmt.Sprintf("https://cdn.discordapp.com/stickers/%s.png", sticker.ID)
	uri, err := br.Matrix.UploadFile(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("uploading sticker %s: %w", sticker.ID, err)
	}
	inner := map[string]any{
		"body": sticker.Name,
		"url":  uri.String(),
		"info": map[string]any{"mimetype": "image/png"},
	}
	return &PendingEvent{
		Type:    event.EventSticker,
		Subtype: "",
		Content: copyContent(inner),
		Inner:   inner,
	}, nil
}

// pollToEvent renders a Discord poll as an MSC3381 poll start. Option
// IDs are derived from the Discord answer IDs so the mapping table can
// be rebuilt from the event alone.
func pollToEvent(poll *discordgo.Poll) *PendingEvent {
	maxSelections := 1
	if poll.AllowMultiselect {
		maxSelections = len(poll.Answers)
	}
	answers := make([]any, len(poll.Answers))
	var lines []string
	for i, answer := range poll.Answers {
		text := ""
		if answer.Media != nil {
			text = answer.Media.Text
		}
		answers[i] = map[string]any{
			"id":                      MatrixOptionID(answer.AnswerID),
			"org.matrix.msc1767.text": text,
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, text))
	}
	inner := map[string]any{
		"org.matrix.msc3381.poll.start": map[string]any{
			"question": map[string]any{
				"org.matrix.msc1767.text": poll.Question.Text,
			},
			"kind":           "org.matrix.msc3381.poll.disclosed",
			"max_selections": maxSelections,
			"answers":        answers,
		},
		"org.matrix.msc1767.text": fmt.Sprintf("%s\n%s", poll.Question.Text, strings.Join(lines, "\n")),
	}
	return &PendingEvent{
		Type:    pollStartType,
		Subtype: "",
		Content: copyContent(inner),
		Inner:   inner,
	}
}

// MatrixOptionID derives the stable Matrix option ID for a Discord
// poll answer.
func MatrixOptionID(answerID int) string {
	return fmt.Sprintf("option-%d", answerID)
}

// resolver adapts the bridge's lookups to the discordfmt.Resolver seam.
func (br *Bridge) resolver(guildID string) discordfmt.Resolver {
	return &bridgeResolver{br: br, guildID: guildID}
}

type bridgeResolver struct {
	br      *Bridge
	guildID string
}

func (r *bridgeResolver) UserMXID(userID string) id.UserID {
	sim, err := r.br.DB.Sim.Get(context.Background(), userID)
	if err != nil || sim == nil {
		return ""
	}
	return sim.MXID
}

func (r *bridgeResolver) UserName(userID string) string {
	if guild, err := r.br.Discord.Guild(r.guildID); err == nil && guild != nil {
		for _, member := range guild.Members {
			if member.User != nil && member.User.ID == userID {
				if member.Nick != "" {
					return member.Nick
				}
				return member.User.Username
			}
		}
	}
	user, err := r.br.Discord.User(context.Background(), userID)
	if err != nil || user == nil {
		return ""
	}
	return user.Username
}

func (r *bridgeResolver) ChannelRoomID(channelID string) id.RoomID {
	cr, err := r.br.DB.ChannelRoom.GetByChannel(context.Background(), channelID)
	if err != nil || cr == nil {
		return ""
	}
	return cr.RoomID
}

func (r *bridgeResolver) ChannelName(channelID string) string {
	channel, err := r.br.Discord.Channel(channelID)
	if err != nil || channel == nil {
		return ""
	}
	return channel.Name
}

func (r *bridgeResolver) RoleName(roleID string) string {
	guild, err := r.br.Discord.Guild(r.guildID)
	if err != nil || guild == nil {
		return ""
	}
	for _, role := range guild.Roles {
		if role.ID == roleID {
			return role.Name
		}
	}
	return ""
}

func (r *bridgeResolver) EmojiURI(emojiID string) id.ContentURI {
	uri, err := r.br.Matrix.UploadFile(context.Background(),
		fmt.Sprintf("https://cdn.discordapp.com/emojis/%s.png", emojiID))
	if err != nil {
		return id.ContentURI{}
	}
	return uri
}

func copyContent(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// partsForEvents maps a pending event list to the database rows for a
// freshly bridged message, assigning part and reaction_part markers.
func partsForEvents(messageID, channelID string, eventIDs []id.EventID, events []*PendingEvent, source database.EventSource) []*database.EventPart {
	parts := make([]*database.EventPart, len(events))
	for i, evt := range events {
		part := 1
		if i == 0 {
			part = 0
		}
		reactionPart := 1
		if i == len(events)-1 {
			reactionPart = 0
		}
		parts[i] = &database.EventPart{
			EventID:      eventIDs[i],
			MessageID:    messageID,
			ChannelID:    channelID,
			EventType:    evt.Type.Type,
			EventSubtype: evt.Subtype,
			Part:         part,
			ReactionPart: reactionPart,
			Source:       source,
		}
	}
	return parts
}
