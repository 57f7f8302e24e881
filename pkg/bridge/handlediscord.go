// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

func displayNameFor(user *discordgo.User) string {
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

// isOwnWebhookMessage reports whether a message was sent by the bridge's
// own webhook, i.e. it is the Discord copy of a Matrix message.
func (br *Bridge) isOwnWebhookMessage(ctx context.Context, msg *discordgo.Message, link *database.ChannelRoom) bool {
	if msg.WebhookID == "" {
		return false
	}
	channelID := link.ChannelID
	if link.ThreadParent.Valid {
		channelID = link.ThreadParent.String
	}
	webhook, err := br.DB.Webhook.Get(ctx, channelID)
	if err != nil || webhook == nil {
		return false
	}
	return webhook.ID == msg.WebhookID
}

// HandleMessageCreate bridges one new Discord message: room ensured,
// sender sim synced, events sent in converter order, identity rows
// stored, and finally any operations parked on this message ID released.
func (br *Bridge) HandleMessageCreate(ctx context.Context, msg *discordgo.Message) error {
	if msg.Author == nil || msg.Author.ID == br.Discord.BotUserID() {
		return nil
	}
	link, err := br.EnsureRoom(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if br.isOwnWebhookMessage(ctx, msg, link) {
		return nil
	}
	if msg.WebhookID == "" {
		if active, err := br.updateSpeedbump(ctx, msg.ChannelID); err != nil {
			return err
		} else if active && !br.speedbumpSurvived(ctx, msg.ChannelID, msg.ID) {
			br.Log.Debug().Str("message_id", msg.ID).
				Msg("Message deleted during speedbump, not bridging")
			return nil
		}
	}

	sim, err := br.simForMessage(ctx, msg)
	if err != nil {
		return err
	}
	if err = br.SyncSimProfile(ctx, link.RoomID, sim, displayNameFor(msg.Author), msg.Author.AvatarURL("")); err != nil {
		return err
	}

	events, err := br.MessageToEvents(ctx, msg)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	eventIDs := make([]id.EventID, len(events))
	for i, pending := range events {
		eventIDs[i], err = br.Matrix.SendMessage(ctx, link.RoomID, pending.Type, pending.Content, sim.MXID, msg.Timestamp)
		if err != nil {
			return err
		}
	}
	rows := partsForEvents(msg.ID, msg.ChannelID, eventIDs, events, database.SourceDiscord)
	if err = br.DB.EventMessage.InsertAll(ctx, rows); err != nil {
		return err
	}
	if err = br.RegisterPoll(ctx, msg); err != nil {
		return err
	}
	br.Retrigger.MessageFinished(ctx, msg.ID)
	return nil
}

// messageBridged is the retrigger existence check for a message ID.
func (br *Bridge) messageBridged(messageID string) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		rows, err := br.DB.EventMessage.GetByMessage(ctx, messageID)
		return len(rows) > 0, err
	}
}

// HandleMessageUpdate routes an edit (or poll close) through the
// retrigger engine so updates racing ahead of their create are parked.
func (br *Bridge) HandleMessageUpdate(ctx context.Context, msg *discordgo.Message) error {
	if msg.Poll != nil && msg.Poll.Results != nil && msg.Poll.Results.Finalized {
		poll := msg
		return br.Retrigger.RunOrDefer(ctx, msg.ID, br.messageBridged(msg.ID), func(ctx context.Context) {
			if err := br.ClosePoll(ctx, poll); err != nil {
				br.Log.Err(err).Str("message_id", poll.ID).Msg("Failed to close poll")
			}
		})
	}
	channelID := msg.ChannelID
	messageID := msg.ID
	return br.Retrigger.RunOrDefer(ctx, messageID, br.messageBridged(messageID), func(ctx context.Context) {
		if err := br.applyMessageEdit(ctx, channelID, messageID); err != nil {
			br.Log.Err(err).Str("message_id", messageID).Msg("Failed to apply edit")
		}
	})
}

// applyMessageEdit re-converts the message and reconciles the new event
// list against the stored one. The whole application runs under the
// retrigger pause so retriggered operations for this message wait for
// the edit to land.
func (br *Bridge) applyMessageEdit(ctx context.Context, channelID, messageID string) error {
	return br.Retrigger.Pause(ctx, messageID, func(ctx context.Context) error {
		// Update payloads are partial; fetch the full message.
		msg, err := br.Discord.GetMessage(ctx, channelID, messageID)
		if err != nil {
			return err
		}
		oldRows, err := br.DB.EventMessage.GetByMessage(ctx, messageID)
		if err != nil || len(oldRows) == 0 {
			return err
		}
		link, err := br.DB.ChannelRoom.GetByChannel(ctx, channelID)
		if err != nil || link == nil {
			return err
		}
		newEvents, err := br.MessageToEvents(ctx, msg)
		if err != nil {
			return err
		}
		sim, err := br.simForMessage(ctx, msg)
		if err != nil {
			return err
		}

		changes := EditToChanges(oldRows, newEvents)
		for _, pair := range changes.ToReplace {
			if _, err = br.Matrix.SendMessage(ctx, link.RoomID, pair.New.Type, pair.Content, sim.MXID, time.Now()); err != nil {
				return err
			}
		}
		var added []*database.EventPart
		var sentIDs []id.EventID
		for _, pending := range changes.ToSend {
			eventID, err := br.Matrix.SendMessage(ctx, link.RoomID, pending.Type, pending.Content, sim.MXID, time.Now())
			if err != nil {
				return err
			}
			sentIDs = append(sentIDs, eventID)
			added = append(added, &database.EventPart{
				EventID:      eventID,
				MessageID:    messageID,
				ChannelID:    channelID,
				EventType:    pending.Type.Type,
				EventSubtype: pending.Subtype,
				Part:         1,
				ReactionPart: 1,
				Source:       database.SourceDiscord,
			})
		}
		removed := make([]id.EventID, len(changes.ToRedact))
		for i, row := range changes.ToRedact {
			removed[i] = row.EventID
			if err = br.Matrix.RedactEvent(ctx, link.RoomID, row.EventID, sim.MXID, ""); err != nil {
				return err
			}
		}

		promotePart := changes.PromotePart
		if changes.PromotePartNextSent && len(sentIDs) > 0 {
			promotePart = &sentIDs[0]
		}
		promoteReaction := changes.PromoteReactionPart
		if changes.PromoteReactionNextSent && len(sentIDs) > 0 {
			promoteReaction = &sentIDs[len(sentIDs)-1]
		}
		return br.DB.EventMessage.ApplyEditResult(ctx, messageID, removed, added, promotePart, promoteReaction)
	})
}

// HandleMessageDelete redacts every bridged event of a deleted message
// and drops its identity rows. Unbridged deletes park on the retrigger
// in case the create is still in flight.
func (br *Bridge) HandleMessageDelete(ctx context.Context, channelID, messageID string) error {
	return br.Retrigger.RunOrDefer(ctx, messageID, br.messageBridged(messageID), func(ctx context.Context) {
		if err := br.applyMessageDelete(ctx, messageID); err != nil {
			br.Log.Err(err).Str("message_id", messageID).Msg("Failed to apply delete")
		}
	})
}

func (br *Bridge) applyMessageDelete(ctx context.Context, messageID string) error {
	rows, err := br.DB.EventMessage.GetByMessage(ctx, messageID)
	if err != nil || len(rows) == 0 {
		return err
	}
	link, err := br.DB.ChannelRoom.GetByChannel(ctx, rows[0].ChannelID)
	if err != nil || link == nil {
		return err
	}
	for _, row := range rows {
		if err = br.Matrix.RedactEvent(ctx, link.RoomID, row.EventID, br.Matrix.BotMXID(), ""); err != nil {
			br.Log.Warn().Err(err).Stringer("event_id", row.EventID).Msg("Failed to redact deleted message event")
		}
	}
	if err = br.DB.Reaction.DeleteByMessage(ctx, messageID); err != nil {
		return err
	}
	return br.DB.EventMessage.DeleteByMessage(ctx, messageID)
}
