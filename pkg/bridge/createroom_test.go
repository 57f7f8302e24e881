// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

func TestEnsureRoom_CreatesOnce(t *testing.T) {
	br, matrix, _ := newTestBridge(t)
	ctx := context.Background()

	link, err := br.EnsureRoom(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "c1", link.ChannelID)
	assert.NotEmpty(t, link.RoomID)

	// The guild space was created alongside and the room is a child.
	gs, err := br.DB.GuildSpace.Get(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, gs)
	childKey := "m.space.child/" + link.RoomID.String()
	_, ok := matrix.state[gs.SpaceID][childKey]
	assert.True(t, ok, "room registered in space hierarchy")

	again, err := br.EnsureRoom(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, link.RoomID, again.RoomID)
}

func TestEnsureRoom_ConcurrentCallsShareCreation(t *testing.T) {
	br, _, _ := newTestBridge(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*database.ChannelRoom, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			link, err := br.EnsureRoom(ctx, "c1")
			require.NoError(t, err)
			results[i] = link
		}(i)
	}
	wg.Wait()

	for _, link := range results[1:] {
		assert.Equal(t, results[0].RoomID, link.RoomID)
	}
	rooms, err := br.DB.ChannelRoom.GetByGuild(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rooms, 1, "exactly one room created")
}

func TestSyncRoom_AppliesNameDiff(t *testing.T) {
	br, matrix, discord := newTestBridge(t)
	ctx := context.Background()

	link, err := br.EnsureRoom(ctx, "c1")
	require.NoError(t, err)

	// Live room state as the homeserver would report it after creation.
	matrix.mu.Lock()
	roomState := matrix.state[link.RoomID]
	if roomState == nil {
		roomState = map[string]map[string]any{}
		matrix.state[link.RoomID] = roomState
	}
	roomState["m.room.create/"] = map[string]any{"room_version": "11"}
	roomState["m.room.power_levels/"] = map[string]any{
		"users": map[string]any{"@discordbot:example.test": float64(100)},
	}
	roomState["m.room.name/"] = map[string]any{"name": "general"}
	matrix.mu.Unlock()

	channel, err := discord.Channel("c1")
	require.NoError(t, err)
	channel.Name = "renamed"
	require.NoError(t, br.SyncRoom(ctx, channel))

	name, ok, err := matrix.GetStateEvent(ctx, link.RoomID, event.StateRoomName, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "renamed", name["name"])

	updated, err := br.DB.ChannelRoom.GetByChannel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
}

func TestSyncRoom_NickOverridesChannelName(t *testing.T) {
	br, matrix, discord := newTestBridge(t)
	ctx := context.Background()

	link, err := br.EnsureRoom(ctx, "c1")
	require.NoError(t, err)
	nick := sql.NullString{String: "ops", Valid: true}
	require.NoError(t, br.DB.ChannelRoom.UpdateName(ctx, "c1", "general", nick))

	matrix.mu.Lock()
	roomState := matrix.state[link.RoomID]
	if roomState == nil {
		roomState = map[string]map[string]any{}
		matrix.state[link.RoomID] = roomState
	}
	roomState["m.room.create/"] = map[string]any{"room_version": "11"}
	roomState["m.room.power_levels/"] = map[string]any{
		"users": map[string]any{"@discordbot:example.test": float64(100)},
	}
	roomState["m.room.name/"] = map[string]any{"name": "general"}
	matrix.mu.Unlock()

	channel, err := discord.Channel("c1")
	require.NoError(t, err)
	channel.Name = "renamed"
	require.NoError(t, br.SyncRoom(ctx, channel))

	name, ok, err := matrix.GetStateEvent(ctx, link.RoomID, event.StateRoomName, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ops", name["name"])
}
