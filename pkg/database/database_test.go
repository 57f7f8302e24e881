// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

var testDBCounter int

func newTestDB(t *testing.T) *Database {
	t.Helper()
	testDBCounter++
	raw, err := dbutil.NewFromConfig("test", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3",
			URI:          fmt.Sprintf("file:bridgetest%d?mode=memory&cache=shared&_txlock=immediate", testDBCounter),
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
	}, dbutil.ZeroLogger(zerolog.Nop()))
	require.NoError(t, err)
	db := New(raw)
	require.NoError(t, db.Upgrade(context.Background()))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestEventMessage_InsertAndOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	parts := []*EventPart{
		{EventID: "$img", MessageID: "m1", ChannelID: "c1", EventType: "m.room.message", EventSubtype: "m.image", Part: 1, ReactionPart: 0, Source: SourceDiscord},
		{EventID: "$text", MessageID: "m1", ChannelID: "c1", EventType: "m.room.message", EventSubtype: "m.text", Part: 0, ReactionPart: 1, Source: SourceDiscord},
	}
	require.NoError(t, db.EventMessage.InsertAll(ctx, parts))

	got, err := db.EventMessage.GetByMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, id.EventID("$text"), got[0].EventID, "part=0 row sorts first")

	primary, err := db.EventMessage.GetPrimary(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, id.EventID("$text"), primary.EventID)

	anchor, err := db.EventMessage.GetReactionTarget(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, id.EventID("$img"), anchor.EventID)
}

func TestEventMessage_ApplyEditResult_Promotion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EventMessage.InsertAll(ctx, []*EventPart{
		{EventID: "$text", MessageID: "m1", ChannelID: "c1", EventType: "m.room.message", EventSubtype: "m.text", Part: 0, ReactionPart: 1, Source: SourceDiscord},
		{EventID: "$img", MessageID: "m1", ChannelID: "c1", EventType: "m.room.message", EventSubtype: "m.image", Part: 1, ReactionPart: 0, Source: SourceDiscord},
	}))

	// Caption removed: text event redacted, image promoted to primary.
	promote := id.EventID("$img")
	require.NoError(t, db.EventMessage.ApplyEditResult(ctx, "m1",
		[]id.EventID{"$text"}, nil, &promote, nil))

	rows, err := db.EventMessage.GetByMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].Part)
	assert.Equal(t, 0, rows[0].ReactionPart)

	// Exactly one part=0 row.
	primary, err := db.EventMessage.GetPrimary(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, promote, primary.EventID)
}

func TestChannelRoom_HistoricalRelink(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.ChannelRoom.Insert(ctx, &ChannelRoom{
		ChannelID: "c1", RoomID: "!old:example.org", Name: "general",
	}))
	require.NoError(t, db.ChannelRoom.Relink(ctx, "c1", "!new:example.org"))

	cr, err := db.ChannelRoom.GetByChannel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, id.RoomID("!new:example.org"), cr.RoomID)

	// Old messages still resolve through the historical index.
	channelID, err := db.ChannelRoom.GetHistoricalChannel(ctx, "!old:example.org")
	require.NoError(t, err)
	assert.Equal(t, "c1", channelID)
	channelID, err = db.ChannelRoom.GetHistoricalChannel(ctx, "!new:example.org")
	require.NoError(t, err)
	assert.Empty(t, channelID, "the live room is not in the historical index")
}

func TestPoll_VoteAccumulator(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Poll.Insert(ctx, &Poll{
		MessageID: "m1", MaxSelections: 2, QuestionText: "lunch?",
	}, []*PollOption{
		{MessageID: "m1", MatrixOption: "opt-a", DiscordOption: "1", OptionText: "pizza", Seq: 0},
		{MessageID: "m1", MatrixOption: "opt-b", DiscordOption: "2", OptionText: "sushi", Seq: 1},
	}))

	require.NoError(t, db.Poll.AddVote(ctx, "u1", "m1", "opt-a"))
	// Idempotent re-add.
	require.NoError(t, db.Poll.AddVote(ctx, "u1", "m1", "opt-a"))
	require.NoError(t, db.Poll.AddVote(ctx, "u1", "m1", "opt-b"))

	votes, err := db.Poll.GetVotes(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"opt-a", "opt-b"}, votes)

	count, err := db.Poll.CountVotes(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, db.Poll.ReplaceVotes(ctx, "u1", "m1", []string{"opt-b"}))
	votes, err = db.Poll.GetVotes(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"opt-b"}, votes)
}

func TestReaction_HashRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	eventID := id.EventID("$reaction:example.org")
	require.NoError(t, db.Reaction.Insert(ctx, eventID, "m1", "%F0%9F%90%88"))

	r, err := db.Reaction.Get(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "m1", r.MessageID)
	assert.Equal(t, "%F0%9F%90%88", r.EncodedEmoji)

	count, err := db.Reaction.CountByEmoji(ctx, "m1", "%F0%9F%90%88")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, db.Reaction.Delete(ctx, eventID))
	r, err = db.Reaction.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSim_ProfileHash(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Sim.Insert(ctx, &Sim{
		UserID: "123", SimName: "gamer", Localpart: "_discord_123", MXID: "@_discord_123:example.org",
	}))

	s, err := db.Sim.Get(ctx, "123")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, id.UserID("@_discord_123:example.org"), s.MXID)

	_, ok, err := db.Sim.GetMemberProfileHash(ctx, "!room:example.org", s.MXID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Sim.SetMemberProfileHash(ctx, "!room:example.org", s.MXID, 42))
	hash, ok, err := db.Sim.GetMemberProfileHash(ctx, "!room:example.org", s.MXID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), hash)
}
