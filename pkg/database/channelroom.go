// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// ChannelRoom links one Discord channel to its live Matrix room.
type ChannelRoom struct {
	ChannelID          string
	RoomID             id.RoomID
	Name               string
	Nick               sql.NullString
	ThreadParent       sql.NullString
	GuildID            sql.NullString
	CustomAvatar       sql.NullString
	SpeedbumpID        sql.NullString
	SpeedbumpWebhookID sql.NullString
	SpeedbumpChecked   sql.NullInt64
}

// DisplayName returns the nickname when set, the channel name otherwise.
func (cr *ChannelRoom) DisplayName() string {
	if cr.Nick.Valid && cr.Nick.String != "" {
		return cr.Nick.String
	}
	return cr.Name
}

// ChannelRoomQuery accesses the channel_room and historical_channel_room tables.
type ChannelRoomQuery struct {
	db *dbutil.Database
}

const channelRoomColumns = `channel_id, room_id, name, nick, thread_parent, guild_id,
	custom_avatar, speedbump_id, speedbump_webhook_id, speedbump_checked`

func (crq *ChannelRoomQuery) scan(row dbutil.Scannable) (*ChannelRoom, error) {
	var cr ChannelRoom
	err := row.Scan(&cr.ChannelID, &cr.RoomID, &cr.Name, &cr.Nick, &cr.ThreadParent,
		&cr.GuildID, &cr.CustomAvatar, &cr.SpeedbumpID, &cr.SpeedbumpWebhookID, &cr.SpeedbumpChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &cr, nil
}

// GetByChannel returns the live room link for a channel, or nil when the
// channel was never bridged.
func (crq *ChannelRoomQuery) GetByChannel(ctx context.Context, channelID string) (*ChannelRoom, error) {
	return crq.scan(crq.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM channel_room WHERE channel_id=$1`, channelRoomColumns), channelID))
}

// GetByRoom returns the channel link for a live Matrix room.
func (crq *ChannelRoomQuery) GetByRoom(ctx context.Context, roomID id.RoomID) (*ChannelRoom, error) {
	return crq.scan(crq.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM channel_room WHERE room_id=$1`, channelRoomColumns), roomID))
}

// GetByGuild returns every channel link under a guild.
func (crq *ChannelRoomQuery) GetByGuild(ctx context.Context, guildID string) ([]*ChannelRoom, error) {
	rows, err := crq.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM channel_room WHERE guild_id=$1`, channelRoomColumns), guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ChannelRoom
	for rows.Next() {
		cr, err := crq.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// Insert writes a new channel link and records it in the historical index.
func (crq *ChannelRoomQuery) Insert(ctx context.Context, cr *ChannelRoom) error {
	return crq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := crq.db.Exec(ctx, `
			INSERT INTO channel_room (channel_id, room_id, name, nick, thread_parent, guild_id,
				custom_avatar, speedbump_id, speedbump_webhook_id, speedbump_checked)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, cr.ChannelID, cr.RoomID, cr.Name, cr.Nick, cr.ThreadParent, cr.GuildID,
			cr.CustomAvatar, cr.SpeedbumpID, cr.SpeedbumpWebhookID, cr.SpeedbumpChecked)
		if err != nil {
			return err
		}
		_, err = crq.db.Exec(ctx, `
			INSERT INTO historical_channel_room (channel_id, room_id) VALUES ($1, $2)
			ON CONFLICT (channel_id, room_id) DO NOTHING
		`, cr.ChannelID, cr.RoomID)
		return err
	})
}

// UpdateName stores the current channel name and nickname override.
func (crq *ChannelRoomQuery) UpdateName(ctx context.Context, channelID, name string, nick sql.NullString) error {
	_, err := crq.db.Exec(ctx,
		`UPDATE channel_room SET name=$2, nick=$3 WHERE channel_id=$1`, channelID, name, nick)
	return err
}

// UpdateCustomAvatar records a per-room avatar override. Rooms with an
// override are skipped by the space avatar cascade.
func (crq *ChannelRoomQuery) UpdateCustomAvatar(ctx context.Context, channelID string, avatar sql.NullString) error {
	_, err := crq.db.Exec(ctx,
		`UPDATE channel_room SET custom_avatar=$2 WHERE channel_id=$1`, channelID, avatar)
	return err
}

// UpdateSpeedbump stores the speedbump webhook detection result for a channel.
func (crq *ChannelRoomQuery) UpdateSpeedbump(ctx context.Context, channelID string, speedbumpID, webhookID sql.NullString, checked int64) error {
	_, err := crq.db.Exec(ctx, `
		UPDATE channel_room SET speedbump_id=$2, speedbump_webhook_id=$3, speedbump_checked=$4
		WHERE channel_id=$1
	`, channelID, speedbumpID, webhookID, checked)
	return err
}

// Relink points a channel at a new room after a room upgrade, keeping the
// old link in the historical index.
func (crq *ChannelRoomQuery) Relink(ctx context.Context, channelID string, newRoomID id.RoomID) error {
	return crq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		var oldRoomID id.RoomID
		err := crq.db.QueryRow(ctx,
			`SELECT room_id FROM channel_room WHERE channel_id=$1`, channelID).Scan(&oldRoomID)
		if err != nil {
			return err
		}
		_, err = crq.db.Exec(ctx, `
			INSERT INTO historical_channel_room (channel_id, room_id) VALUES ($1, $2)
			ON CONFLICT (channel_id, room_id) DO NOTHING
		`, channelID, oldRoomID)
		if err != nil {
			return err
		}
		_, err = crq.db.Exec(ctx,
			`UPDATE channel_room SET room_id=$2 WHERE channel_id=$1`, channelID, newRoomID)
		return err
	})
}

// GetHistoricalChannel resolves a room ID to its channel even when the
// channel has since been relinked to a newer room.
func (crq *ChannelRoomQuery) GetHistoricalChannel(ctx context.Context, roomID id.RoomID) (string, error) {
	var channelID string
	err := crq.db.QueryRow(ctx,
		`SELECT channel_id FROM historical_channel_room WHERE room_id=$1`, roomID).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return channelID, err
}

// Delete unbridges a channel. The historical index entry is kept.
func (crq *ChannelRoomQuery) Delete(ctx context.Context, channelID string) error {
	_, err := crq.db.Exec(ctx, `DELETE FROM channel_room WHERE channel_id=$1`, channelID)
	return err
}
