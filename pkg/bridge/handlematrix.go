// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"database/sql"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

// HandleMatrixEvent routes one appservice transaction event. Events from
// the bridge's own namespace are echoes of its own work and ignored.
func (br *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) error {
	if br.IsSimMXID(evt.Sender) {
		return nil
	}
	switch evt.Type {
	case event.EventMessage, event.EventSticker:
		return br.handleMatrixMessage(ctx, evt)
	case event.EventReaction:
		return br.handleMatrixReaction(ctx, evt)
	case event.EventRedaction:
		return br.handleMatrixRedaction(ctx, evt)
	case event.StateTombstone:
		return br.handleRoomTombstone(ctx, evt)
	case event.StateRoomAvatar:
		return br.handleMatrixRoomAvatar(ctx, evt)
	}
	return nil
}

// handleRoomTombstone follows a room upgrade: the channel link moves to
// the replacement room and the old room ID goes into the historical
// index so stale references still resolve.
func (br *Bridge) handleRoomTombstone(ctx context.Context, evt *event.Event) error {
	link, err := br.DB.ChannelRoom.GetByRoom(ctx, evt.RoomID)
	if err != nil || link == nil {
		return err
	}
	_ = evt.Content.ParseRaw(event.StateTombstone)
	replacement := evt.Content.AsTombstone().ReplacementRoom
	if replacement == "" || replacement == link.RoomID {
		return nil
	}
	br.Log.Info().Str("channel_id", link.ChannelID).
		Stringer("old_room_id", link.RoomID).Stringer("new_room_id", replacement).
		Msg("Room upgraded, relinking channel")
	return br.DB.ChannelRoom.Relink(ctx, link.ChannelID, replacement)
}

// handleMatrixRoomAvatar records a user-set room avatar as a custom
// override so the guild icon cascade leaves the room alone. Clearing
// the avatar drops the override.
func (br *Bridge) handleMatrixRoomAvatar(ctx context.Context, evt *event.Event) error {
	if evt.Sender == br.Matrix.BotMXID() {
		return nil
	}
	link, err := br.DB.ChannelRoom.GetByRoom(ctx, evt.RoomID)
	if err != nil || link == nil {
		return err
	}
	_ = evt.Content.ParseRaw(event.StateRoomAvatar)
	url := string(evt.Content.AsRoomAvatar().URL)
	return br.DB.ChannelRoom.UpdateCustomAvatar(ctx, link.ChannelID,
		sql.NullString{String: url, Valid: url != ""})
}

func (br *Bridge) handleMatrixMessage(ctx context.Context, evt *event.Event) error {
	link, err := br.DB.ChannelRoom.GetByRoom(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if link == nil {
		// Messages in a room the channel upgraded away from are not
		// bridged; anything else unlinked is silently out of scope.
		channelID, err := br.DB.ChannelRoom.GetHistoricalChannel(ctx, evt.RoomID)
		if err == nil && channelID != "" {
			br.Log.Debug().Stringer("room_id", evt.RoomID).Str("channel_id", channelID).
				Msg("Dropping message in upgraded-away room")
		}
		return err
	}
	changes, err := br.EventToMessages(ctx, evt)
	if err != nil {
		return err
	}
	for _, edit := range changes.MessagesToEdit {
		if _, err = br.editViaWebhook(ctx, link, edit.MessageID, edit.Params); err != nil {
			return err
		}
	}
	for _, params := range changes.MessagesToSend {
		sent, err := br.sendViaWebhook(ctx, link, params)
		if err != nil {
			return err
		}
		subtype := ""
		if content := evt.Content.AsMessage(); content != nil {
			subtype = string(content.MsgType)
		}
		err = br.DB.EventMessage.Insert(ctx, &database.EventPart{
			EventID:      evt.ID,
			MessageID:    sent.ID,
			ChannelID:    link.ChannelID,
			EventType:    evt.Type.Type,
			EventSubtype: subtype,
			Part:         0,
			ReactionPart: 0,
			Source:       database.SourceMatrix,
		})
		if err != nil {
			return err
		}
	}
	for _, messageID := range changes.MessagesToDelete {
		if err = br.deleteViaWebhook(ctx, link, messageID); err != nil {
			return err
		}
	}
	return nil
}

// handleMatrixReaction mirrors a Matrix user's reaction as the bot's own
// Discord reaction. The bot reacts at most once per emoji no matter how
// many Matrix users pile on; Discord shows aggregate counts anyway.
func (br *Bridge) handleMatrixReaction(ctx context.Context, evt *event.Event) error {
	_ = evt.Content.ParseRaw(event.EventReaction)
	relates := evt.Content.AsReaction().GetRelatesTo()
	if relates == nil || relates.EventID == "" || relates.Key == "" {
		return nil
	}
	row, err := br.DB.EventMessage.GetByEvent(ctx, relates.EventID)
	if err != nil || row == nil {
		return err
	}
	link, err := br.DB.ChannelRoom.GetByChannel(ctx, row.ChannelID)
	if err != nil || link == nil {
		return err
	}
	apiName := br.keyToEmojiAPIName(relates.Key, link.GuildID.String)
	if apiName == "" {
		return nil
	}
	existing, err := br.DB.Reaction.CountByEmoji(ctx, row.MessageID, apiName)
	if err != nil {
		return err
	}
	if existing == 0 {
		if err = br.Discord.AddOwnReaction(ctx, row.ChannelID, row.MessageID, apiName); err != nil {
			return err
		}
	}
	return br.DB.Reaction.Insert(ctx, evt.ID, row.MessageID, apiName)
}

func (br *Bridge) handleMatrixRedaction(ctx context.Context, evt *event.Event) error {
	if evt.Redacts == "" {
		return nil
	}
	row, err := br.DB.EventMessage.GetByEvent(ctx, evt.Redacts)
	if err != nil {
		return err
	}
	if row != nil {
		return br.redactBridgedMessage(ctx, evt, row)
	}

	reaction, err := br.DB.Reaction.Get(ctx, evt.Redacts)
	if err != nil || reaction == nil {
		return err
	}
	if err = br.DB.Reaction.Delete(ctx, evt.Redacts); err != nil {
		return err
	}
	remaining, err := br.DB.Reaction.CountByEmoji(ctx, reaction.MessageID, reaction.EncodedEmoji)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	target, err := br.DB.EventMessage.GetPrimary(ctx, reaction.MessageID)
	if err != nil || target == nil {
		return err
	}
	return br.Discord.RemoveOwnReaction(ctx, target.ChannelID, reaction.MessageID, reaction.EncodedEmoji)
}

func (br *Bridge) redactBridgedMessage(ctx context.Context, evt *event.Event, row *database.EventPart) error {
	link, err := br.DB.ChannelRoom.GetByChannel(ctx, row.ChannelID)
	if err != nil || link == nil {
		return err
	}
	if row.Source == database.SourceMatrix {
		if err = br.deleteViaWebhook(ctx, link, row.MessageID); err != nil {
			return err
		}
	} else if err = br.Discord.DeleteMessage(ctx, row.ChannelID, row.MessageID); err != nil {
		return err
	}
	return br.DB.EventMessage.DeleteByMessage(ctx, row.MessageID)
}
