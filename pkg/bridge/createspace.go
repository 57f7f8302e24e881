// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
	"github.com/aiku/matrix-discord-bridge/pkg/kstate"
)

// privacySettings is the per-level mapping onto Matrix state. Changing a
// guild's privacy level rewrites these keys across the whole hierarchy.
type privacySettings struct {
	spaceJoinRule    string
	roomJoinRule     string
	guestAccess      string
	spaceHistory     string
	roomHistory      string
	publishDirectory bool
}

var privacyTable = map[database.PrivacyLevel]privacySettings{
	database.PrivacyInvite: {
		spaceJoinRule: "invite", roomJoinRule: "restricted",
		guestAccess: "can_join", spaceHistory: "invited", roomHistory: "shared",
	},
	database.PrivacyLink: {
		spaceJoinRule: "public", roomJoinRule: "public",
		guestAccess: "can_join", spaceHistory: "world_readable", roomHistory: "shared",
	},
	database.PrivacyDirectory: {
		spaceJoinRule: "public", roomJoinRule: "public",
		guestAccess: "forbidden", spaceHistory: "world_readable", roomHistory: "world_readable",
		publishDirectory: true,
	},
}

// guildToKState is the desired state of a guild's space room.
func (br *Bridge) guildToKState(guild *discordgo.Guild, privacy database.PrivacyLevel) kstate.KState {
	settings := privacyTable[privacy]
	avatar := kstate.Content{"$if": guild.Icon != ""}
	if guild.Icon != "" {
		avatar["url"] = map[string]any{
			"$url": fmt.Sprintf("https://cdn.discordapp.com/icons/%s/%s.png", guild.ID, guild.Icon),
		}
	}
	return kstate.KState{
		"m.room.name/":   {"name": guild.Name},
		"m.room.avatar/": avatar,
		"m.room.join_rules/": {
			"join_rule": settings.spaceJoinRule,
		},
		"m.room.history_visibility/": {
			"history_visibility": settings.spaceHistory,
		},
		"m.room.guest_access/": {
			"guest_access": settings.guestAccess,
		},
	}
}

// EnsureSpace returns the Matrix space for a guild, creating it on first
// sight. Concurrent calls for the same guild share one creation.
func (br *Bridge) EnsureSpace(ctx context.Context, guild *discordgo.Guild) (*database.GuildSpace, error) {
	existing, err := br.DB.GuildSpace.Get(ctx, guild.ID)
	if err != nil || existing != nil {
		return existing, err
	}
	result, err, _ := br.inflight.Do("space/"+guild.ID, func() (any, error) {
		again, err := br.DB.GuildSpace.Get(ctx, guild.ID)
		if err != nil || again != nil {
			return again, err
		}
		return br.createSpace(ctx, guild)
	})
	if err != nil {
		return nil, err
	}
	return result.(*database.GuildSpace), nil
}

func (br *Bridge) createSpace(ctx context.Context, guild *discordgo.Guild) (*database.GuildSpace, error) {
	privacy := database.PrivacyInvite
	target := br.guildToKState(guild, privacy)
	initial, err := kstate.ToStateEvents(ctx, target, br.Matrix)
	if err != nil {
		return nil, fmt.Errorf("failed to expand space state: %w", err)
	}
	req := &mautrix.ReqCreateRoom{
		Visibility:      "private",
		Name:            guild.Name,
		Preset:          "private_chat",
		CreationContent: map[string]any{"type": "m.space"},
		InitialState:    stateEventsToMautrix(initial),
	}
	spaceID, err := br.Matrix.CreateRoom(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create space: %w", err)
	}
	gs := &database.GuildSpace{GuildID: guild.ID, SpaceID: spaceID, Privacy: privacy}
	if err = br.DB.GuildSpace.Insert(ctx, gs); err != nil {
		// The space exists on the homeserver but the link write failed.
		// Not rolled back; the next attempt creates a fresh space and
		// the orphan stays behind.
		return nil, fmt.Errorf("failed to store guild space link: %w", err)
	}
	br.Log.Info().Str("guild_id", guild.ID).Stringer("space_id", spaceID).Msg("Created space")
	return gs, nil
}

// SyncSpace reconciles the space's live state with the guild. When the
// avatar key changes, the new avatar cascades to every child room that
// has no custom avatar override.
func (br *Bridge) SyncSpace(ctx context.Context, guild *discordgo.Guild) error {
	gs, err := br.EnsureSpace(ctx, guild)
	if err != nil {
		return err
	}
	target := br.guildToKState(guild, gs.Privacy)
	kstate.StripConditionals(target)
	if err = kstate.UploadPending(ctx, target, br.Matrix); err != nil {
		return err
	}
	actual, err := br.Matrix.GetAllState(ctx, gs.SpaceID)
	if err != nil {
		return err
	}
	diff, err := kstate.Diff(actual, target)
	if err != nil {
		return err
	}
	if err = br.applyKState(ctx, gs.SpaceID, diff); err != nil {
		return err
	}
	if _, avatarChanged := diff["m.room.avatar/"]; avatarChanged {
		if err = br.cascadeAvatar(ctx, guild.ID, diff["m.room.avatar/"]); err != nil {
			return err
		}
	}
	return nil
}

// cascadeAvatar pushes the guild icon to all child rooms without a
// custom avatar.
func (br *Bridge) cascadeAvatar(ctx context.Context, guildID string, avatar kstate.Content) error {
	rooms, err := br.DB.ChannelRoom.GetByGuild(ctx, guildID)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if room.CustomAvatar.Valid {
			continue
		}
		if _, err = br.Matrix.SendState(ctx, room.RoomID, event.StateRoomAvatar, "", avatar); err != nil {
			br.Log.Warn().Err(err).Stringer("room_id", room.RoomID).
				Msg("Failed to cascade avatar to room")
		}
	}
	return nil
}

// SetPrivacyLevel stores a guild's new privacy level and resyncs the
// whole hierarchy. A full pass is wasteful but privacy changes are rare.
func (br *Bridge) SetPrivacyLevel(ctx context.Context, guild *discordgo.Guild, level database.PrivacyLevel) error {
	if _, ok := privacyTable[level]; !ok {
		return fmt.Errorf("unknown privacy level %d", level)
	}
	if err := br.DB.GuildSpace.SetPrivacy(ctx, guild.ID, level); err != nil {
		return err
	}
	if err := br.SyncSpace(ctx, guild); err != nil {
		return err
	}
	gs, err := br.DB.GuildSpace.Get(ctx, guild.ID)
	if err != nil || gs == nil {
		return err
	}
	// Walk the live hierarchy rather than the link table so rooms that
	// were added to the space out of band still get the new settings.
	children, err := br.Matrix.GetFullHierarchy(ctx, gs.SpaceID)
	if err != nil {
		return err
	}
	for _, roomID := range children {
		link, err := br.DB.ChannelRoom.GetByRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if link == nil {
			continue
		}
		channel, err := br.Discord.Channel(link.ChannelID)
		if err != nil {
			br.Log.Warn().Err(err).Str("channel_id", link.ChannelID).
				Msg("Failed to fetch channel during privacy resync")
			continue
		}
		if err = br.SyncRoom(ctx, channel); err != nil {
			br.Log.Warn().Err(err).Str("channel_id", link.ChannelID).
				Msg("Failed to sync room during privacy resync")
		}
	}
	return nil
}

func (br *Bridge) applyKState(ctx context.Context, roomID id.RoomID, diff kstate.KState) error {
	events, err := kstate.ToStateEvents(ctx, diff, br.Matrix)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if _, err = br.Matrix.SendState(ctx, roomID, evt.Type, evt.StateKey, evt.Content); err != nil {
			return fmt.Errorf("failed to set %s/%s: %w", evt.Type.Type, evt.StateKey, err)
		}
	}
	return nil
}

func stateEventsToMautrix(events []kstate.StateEvent) []*event.Event {
	out := make([]*event.Event, len(events))
	for i, evt := range events {
		stateKey := evt.StateKey
		out[i] = &event.Event{
			Type:     evt.Type,
			StateKey: &stateKey,
			Content:  event.Content{Raw: evt.Content},
		}
	}
	return out
}
