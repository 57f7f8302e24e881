// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.mau.fi/util/variationselector"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AddReaction mirrors a Discord reaction onto the message's reaction
// anchor event. Unbridged messages and unresolvable emoji are silent
// no-ops.
func (br *Bridge) AddReaction(ctx context.Context, rx *discordgo.MessageReaction) error {
	if rx.UserID == br.Discord.BotUserID() {
		// Our own Discord-side reaction, created while mirroring a
		// Matrix user. Bridging it back would echo.
		return nil
	}
	room, err := br.DB.ChannelRoom.GetByChannel(ctx, rx.ChannelID)
	if err != nil || room == nil {
		return err
	}
	target, err := br.DB.EventMessage.GetReactionTarget(ctx, rx.MessageID)
	if err != nil || target == nil {
		return err
	}
	key := br.emojiToKey(ctx, &rx.Emoji)
	if key == "" {
		return nil
	}
	user, err := br.Discord.User(ctx, rx.UserID)
	if err != nil {
		return fmt.Errorf("failed to fetch reacting user: %w", err)
	}
	sim, err := br.EnsureSim(ctx, user)
	if err != nil {
		return err
	}
	if err = br.Matrix.EnsureJoined(ctx, room.RoomID, sim.MXID); err != nil {
		return err
	}
	content := map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": "m.annotation",
			"event_id": target.EventID.String(),
			"key":      key,
		},
	}
	eventID, err := br.Matrix.SendMessage(ctx, room.RoomID, event.EventReaction, content, sim.MXID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return br.DB.Reaction.Insert(ctx, eventID, rx.MessageID, rx.Emoji.APIName())
}

// RemoveReaction handles a single-user single-emoji removal. When the
// removed Discord reaction belonged to the bridge bot, it stood in for
// every real Matrix user reacting with that emoji, so the removal fans
// out to all of their reaction events. Otherwise exactly the acting
// user's sim reaction is redacted.
func (br *Bridge) RemoveReaction(ctx context.Context, rx *discordgo.MessageReaction) error {
	fromBridge := rx.UserID == br.Discord.BotUserID()
	var simMXID id.UserID
	if !fromBridge {
		sim, err := br.DB.Sim.Get(ctx, rx.UserID)
		if err != nil || sim == nil {
			return err
		}
		simMXID = sim.MXID
	}
	return br.removeMatchingReactions(ctx, rx, func(evt *event.Event) bool {
		if !br.reactionMatchesEmoji(ctx, evt, &rx.Emoji) {
			return false
		}
		if fromBridge {
			return !br.IsSimMXID(evt.Sender)
		}
		return evt.Sender == simMXID
	})
}

// RemoveEmojiReactions handles Discord's remove-all-of-one-emoji event
// by redacting every Matrix reaction with the matching key, sim and real
// senders alike.
func (br *Bridge) RemoveEmojiReactions(ctx context.Context, rx *discordgo.MessageReaction) error {
	return br.removeMatchingReactions(ctx, rx, func(evt *event.Event) bool {
		return br.reactionMatchesEmoji(ctx, evt, &rx.Emoji)
	})
}

// RemoveAllReactions redacts every reaction relation on the message.
func (br *Bridge) RemoveAllReactions(ctx context.Context, rx *discordgo.MessageReaction) error {
	return br.removeMatchingReactions(ctx, rx, func(*event.Event) bool {
		return true
	})
}

func (br *Bridge) removeMatchingReactions(ctx context.Context, rx *discordgo.MessageReaction, match func(*event.Event) bool) error {
	room, err := br.DB.ChannelRoom.GetByChannel(ctx, rx.ChannelID)
	if err != nil || room == nil {
		return err
	}
	target, err := br.DB.EventMessage.GetReactionTarget(ctx, rx.MessageID)
	if err != nil || target == nil {
		return err
	}
	relations, err := br.Matrix.GetFullRelations(ctx, room.RoomID, target.EventID, event.RelAnnotation)
	if err != nil {
		return fmt.Errorf("failed to fetch reaction relations: %w", err)
	}
	for _, evt := range relations {
		if !match(evt) {
			continue
		}
		// Sims redact their own reactions; real users' reactions can
		// only be removed by the bot's power level.
		redactAs := evt.Sender
		if !br.IsSimMXID(evt.Sender) {
			redactAs = br.Matrix.BotMXID()
		}
		if err = br.Matrix.RedactEvent(ctx, room.RoomID, evt.ID, redactAs, ""); err != nil {
			br.Log.Warn().Err(err).Stringer("event_id", evt.ID).
				Msg("Failed to redact reaction")
			continue
		}
		if err = br.DB.Reaction.Delete(ctx, evt.ID); err != nil {
			return err
		}
	}
	return nil
}

// reactionMatchesEmoji reports whether an m.reaction event carries the
// given Discord emoji. Custom emoji are matched through the stored
// reaction row, since the annotation key is an mxc URI with no stable
// relation to the emoji ID. Unicode emoji compare after selector
// normalization.
func (br *Bridge) reactionMatchesEmoji(ctx context.Context, evt *event.Event, emoji *discordgo.Emoji) bool {
	if emoji.ID != "" {
		row, err := br.DB.Reaction.Get(ctx, evt.ID)
		if err != nil || row == nil {
			return false
		}
		return row.EncodedEmoji == emoji.APIName()
	}
	key := annotationKey(evt)
	if key == "" {
		return false
	}
	return variationselector.Remove(key) == variationselector.Remove(emoji.Name)
}

func annotationKey(evt *event.Event) string {
	_ = evt.Content.ParseRaw(event.EventReaction)
	if relates := evt.Content.AsReaction().GetRelatesTo(); relates != nil {
		return relates.Key
	}
	return ""
}
