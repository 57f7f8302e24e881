// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
	"github.com/aiku/matrix-discord-bridge/pkg/kstate"
)

func isThread(channel *discordgo.Channel) bool {
	switch channel.Type {
	case discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		return true
	}
	return false
}

// channelToKState is the desired state of a channel's room. The link row
// may be nil during first creation.
func (br *Bridge) channelToKState(channel *discordgo.Channel, guild *discordgo.Guild, gs *database.GuildSpace, link *database.ChannelRoom) kstate.KState {
	settings := privacyTable[gs.Privacy]

	name := channel.Name
	if link != nil && link.Nick.Valid && link.Nick.String != "" {
		name = link.Nick.String
	}

	avatar := kstate.Content{"$if": false}
	switch {
	case link != nil && link.CustomAvatar.Valid:
		avatar = kstate.Content{"url": link.CustomAvatar.String}
	case guild.Icon != "":
		avatar = kstate.Content{"url": map[string]any{
			"$url": fmt.Sprintf("https://cdn.discordapp.com/icons/%s/%s.png", guild.ID, guild.Icon),
		}}
	}

	joinRules := kstate.Content{"join_rule": settings.roomJoinRule}
	if settings.roomJoinRule == "restricted" {
		joinRules["allow"] = []any{map[string]any{
			"type":    "m.room_membership",
			"room_id": gs.SpaceID.String(),
		}}
	}

	k := kstate.KState{
		"m.room.name/":       {"name": name},
		"m.room.topic/":      {"$if": channel.Topic != "", "topic": channel.Topic},
		"m.room.avatar/":     avatar,
		"m.room.join_rules/": joinRules,
		"m.room.history_visibility/": {
			"history_visibility": settings.roomHistory,
		},
		"m.room.guest_access/": {
			"guest_access": settings.guestAccess,
		},
		"m.space.parent/" + gs.SpaceID.String(): {
			"via":       []any{br.Config.Homeserver.Domain},
			"canonical": true,
		},
		"m.room.power_levels/": {
			"users": map[string]any{
				br.Matrix.BotMXID().String(): 100,
			},
		},
	}
	return k
}

// EnsureRoom returns the Matrix room link for a channel, creating the
// room on first sight. Concurrent calls for the same channel share one
// creation; a failed creation clears the in-flight entry so the next
// call retries.
func (br *Bridge) EnsureRoom(ctx context.Context, channelID string) (*database.ChannelRoom, error) {
	existing, err := br.DB.ChannelRoom.GetByChannel(ctx, channelID)
	if err != nil || existing != nil {
		return existing, err
	}
	result, err, _ := br.inflight.Do("room/"+channelID, func() (any, error) {
		again, err := br.DB.ChannelRoom.GetByChannel(ctx, channelID)
		if err != nil || again != nil {
			return again, err
		}
		return br.createRoom(ctx, channelID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*database.ChannelRoom), nil
}

func (br *Bridge) createRoom(ctx context.Context, channelID string) (*database.ChannelRoom, error) {
	channel, err := br.Discord.Channel(channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel: %w", err)
	}
	guild, err := br.Discord.Guild(channel.GuildID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch guild: %w", err)
	}
	gs, err := br.EnsureSpace(ctx, guild)
	if err != nil {
		return nil, err
	}

	target := br.channelToKState(channel, guild, gs, nil)
	initial, err := kstate.ToStateEvents(ctx, target, br.Matrix)
	if err != nil {
		return nil, fmt.Errorf("failed to expand room state: %w", err)
	}
	req := &mautrix.ReqCreateRoom{
		Visibility:   "private",
		Name:         channel.Name,
		Topic:        channel.Topic,
		Preset:       "private_chat",
		InitialState: stateEventsToMautrix(initial),
	}
	roomID, err := br.Matrix.CreateRoom(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	link := &database.ChannelRoom{
		ChannelID: channelID,
		RoomID:    roomID,
		Name:      channel.Name,
		GuildID:   sql.NullString{String: guild.ID, Valid: true},
	}
	if isThread(channel) {
		link.ThreadParent = sql.NullString{String: channel.ParentID, Valid: true}
	}
	if err = br.DB.ChannelRoom.Insert(ctx, link); err != nil {
		// Residual homeserver room, same trade-off as space creation.
		return nil, fmt.Errorf("failed to store channel room link: %w", err)
	}

	childContent := map[string]any{
		"via": []any{br.Config.Homeserver.Domain},
	}
	if _, err = br.Matrix.SendState(ctx, gs.SpaceID, event.StateSpaceChild, roomID.String(), childContent); err != nil {
		br.Log.Warn().Err(err).Stringer("room_id", roomID).
			Msg("Failed to add room to space hierarchy")
	}
	br.Log.Info().Str("channel_id", channelID).Stringer("room_id", roomID).Msg("Created room")
	return link, nil
}

// SyncRoom reconciles a bridged room's live state with its channel.
// Unbridged channels create first.
func (br *Bridge) SyncRoom(ctx context.Context, channel *discordgo.Channel) error {
	link, err := br.EnsureRoom(ctx, channel.ID)
	if err != nil {
		return err
	}
	guild, err := br.Discord.Guild(channel.GuildID)
	if err != nil {
		return err
	}
	gs, err := br.EnsureSpace(ctx, guild)
	if err != nil {
		return err
	}
	target := br.channelToKState(channel, guild, gs, link)
	kstate.StripConditionals(target)
	if err = kstate.UploadPending(ctx, target, br.Matrix); err != nil {
		return err
	}
	actual, err := br.Matrix.GetAllState(ctx, link.RoomID)
	if err != nil {
		return err
	}
	diff, err := kstate.Diff(actual, target)
	if err != nil {
		return err
	}
	if err = br.applyKState(ctx, link.RoomID, diff); err != nil {
		return err
	}
	if channel.Name != link.Name {
		if err = br.DB.ChannelRoom.UpdateName(ctx, channel.ID, channel.Name, link.Nick); err != nil {
			return err
		}
	}
	return nil
}
