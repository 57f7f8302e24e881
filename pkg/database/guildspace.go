// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// PrivacyLevel enumerates how visible a bridged space and its rooms are
// to Matrix users.
type PrivacyLevel int

const (
	// PrivacyInvite: joining requires an invite from the bridge.
	PrivacyInvite PrivacyLevel = iota
	// PrivacyLink: anyone with the room link can join.
	PrivacyLink
	// PrivacyDirectory: rooms are published to the public directory.
	PrivacyDirectory
)

// GuildSpace links one Discord guild to its Matrix space.
type GuildSpace struct {
	GuildID        string
	SpaceID        id.RoomID
	Privacy        PrivacyLevel
	Presence       bool
	WebhookProfile bool
}

// GuildSpaceQuery accesses the guild_space table.
type GuildSpaceQuery struct {
	db *dbutil.Database
}

func (gsq *GuildSpaceQuery) scan(row dbutil.Scannable) (*GuildSpace, error) {
	var gs GuildSpace
	err := row.Scan(&gs.GuildID, &gs.SpaceID, &gs.Privacy, &gs.Presence, &gs.WebhookProfile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &gs, nil
}

// Get returns the space link for a guild, or nil when the guild was
// never bridged.
func (gsq *GuildSpaceQuery) Get(ctx context.Context, guildID string) (*GuildSpace, error) {
	return gsq.scan(gsq.db.QueryRow(ctx, `
		SELECT guild_id, space_id, privacy_level, presence, webhook_profile
		FROM guild_space WHERE guild_id=$1
	`, guildID))
}

// GetBySpace returns the guild link for a Matrix space.
func (gsq *GuildSpaceQuery) GetBySpace(ctx context.Context, spaceID id.RoomID) (*GuildSpace, error) {
	return gsq.scan(gsq.db.QueryRow(ctx, `
		SELECT guild_id, space_id, privacy_level, presence, webhook_profile
		FROM guild_space WHERE space_id=$1
	`, spaceID))
}

// Insert writes a new guild link.
func (gsq *GuildSpaceQuery) Insert(ctx context.Context, gs *GuildSpace) error {
	_, err := gsq.db.Exec(ctx, `
		INSERT INTO guild_space (guild_id, space_id, privacy_level, presence, webhook_profile)
		VALUES ($1, $2, $3, $4, $5)
	`, gs.GuildID, gs.SpaceID, gs.Privacy, gs.Presence, gs.WebhookProfile)
	return err
}

// SetPrivacy updates the privacy level for a guild.
func (gsq *GuildSpaceQuery) SetPrivacy(ctx context.Context, guildID string, level PrivacyLevel) error {
	_, err := gsq.db.Exec(ctx,
		`UPDATE guild_space SET privacy_level=$2 WHERE guild_id=$1`, guildID, level)
	return err
}
