// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/discordgo"
)

// HandleGatewayEvent routes one decoded Discord gateway event. Reaction
// and vote handlers go through the retrigger engine so events racing
// ahead of the message create are parked rather than dropped. Unhandled
// event types are ignored.
func (br *Bridge) HandleGatewayEvent(ctx context.Context, raw any) {
	var err error
	switch evt := raw.(type) {
	case *discordgo.MessageCreate:
		err = br.HandleMessageCreate(ctx, evt.Message)
	case *discordgo.MessageUpdate:
		err = br.HandleMessageUpdate(ctx, evt.Message)
	case *discordgo.MessageDelete:
		err = br.HandleMessageDelete(ctx, evt.ChannelID, evt.ID)
	case *discordgo.MessageDeleteBulk:
		for _, messageID := range evt.Messages {
			if err = br.HandleMessageDelete(ctx, evt.ChannelID, messageID); err != nil {
				break
			}
		}
	case *discordgo.MessageReactionAdd:
		err = br.retriggerReaction(ctx, evt.MessageReaction, br.AddReaction)
	case *discordgo.MessageReactionRemove:
		err = br.retriggerReaction(ctx, evt.MessageReaction, br.RemoveReaction)
	case *discordgo.MessageReactionRemoveAll:
		err = br.retriggerReaction(ctx, evt.MessageReaction, br.RemoveAllReactions)
	case *discordgo.MessagePollVoteAdd:
		vote := evt
		err = br.Retrigger.RunOrDefer(ctx, evt.MessageID, br.messageBridged(evt.MessageID), func(ctx context.Context) {
			if err := br.HandlePollVoteAdd(ctx, vote); err != nil {
				br.Log.Err(err).Str("message_id", vote.MessageID).Msg("Failed to handle poll vote")
			}
		})
	case *discordgo.MessagePollVoteRemove:
		vote := evt
		err = br.Retrigger.RunOrDefer(ctx, evt.MessageID, br.messageBridged(evt.MessageID), func(ctx context.Context) {
			if err := br.HandlePollVoteRemove(ctx, vote); err != nil {
				br.Log.Err(err).Str("message_id", vote.MessageID).Msg("Failed to handle poll vote removal")
			}
		})
	case *discordgo.ChannelUpdate:
		err = br.handleChannelUpdate(ctx, evt.Channel)
	case *discordgo.ChannelDelete:
		err = br.handleChannelDelete(ctx, evt.Channel)
	case *discordgo.GuildUpdate:
		err = br.handleGuildUpdate(ctx, evt.Guild)
	case *discordgo.Event:
		// Dispatch events without a dedicated gateway struct.
		if evt.Type == "MESSAGE_REACTION_REMOVE_EMOJI" {
			var rx discordgo.MessageReaction
			if err = json.Unmarshal(evt.RawData, &rx); err == nil {
				err = br.retriggerReaction(ctx, &rx, br.RemoveEmojiReactions)
			}
		}
	}
	if err != nil {
		br.Log.Err(err).Type("event_type", raw).Msg("Failed to handle gateway event")
	}
}

func (br *Bridge) retriggerReaction(ctx context.Context, rx *discordgo.MessageReaction, handle func(context.Context, *discordgo.MessageReaction) error) error {
	found := func(ctx context.Context) (bool, error) {
		target, err := br.DB.EventMessage.GetReactionTarget(ctx, rx.MessageID)
		return target != nil, err
	}
	return br.Retrigger.RunOrDefer(ctx, rx.MessageID, found, func(ctx context.Context) {
		if err := handle(ctx, rx); err != nil {
			br.Log.Err(err).Str("message_id", rx.MessageID).Msg("Failed to handle reaction event")
		}
	})
}

// handleChannelUpdate resyncs the room for a channel the bridge already
// tracks. Unknown channels are left alone until someone speaks in them.
func (br *Bridge) handleChannelUpdate(ctx context.Context, channel *discordgo.Channel) error {
	link, err := br.DB.ChannelRoom.GetByChannel(ctx, channel.ID)
	if err != nil || link == nil {
		return err
	}
	return br.SyncRoom(ctx, channel)
}

// handleChannelDelete unbridges the channel: the room stays up on the
// homeserver, but the link and the channel's identity rows go away.
func (br *Bridge) handleChannelDelete(ctx context.Context, channel *discordgo.Channel) error {
	link, err := br.DB.ChannelRoom.GetByChannel(ctx, channel.ID)
	if err != nil || link == nil {
		return err
	}
	br.Log.Info().Str("channel_id", channel.ID).Stringer("room_id", link.RoomID).
		Msg("Channel deleted, unbridging")
	return br.DB.ChannelRoom.Delete(ctx, channel.ID)
}

func (br *Bridge) handleGuildUpdate(ctx context.Context, guild *discordgo.Guild) error {
	gs, err := br.DB.GuildSpace.Get(ctx, guild.ID)
	if err != nil || gs == nil {
		return err
	}
	return br.SyncSpace(ctx, guild)
}
