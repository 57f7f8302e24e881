// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package database is the durable identity store of the bridge: the
// mapping tables between Discord entities and their Matrix counterparts.
// These rows are the single source of truth that the retrigger engine and
// the edit reconciler both query.
package database

import (
	"go.mau.fi/util/dbutil"

	"github.com/aiku/matrix-discord-bridge/pkg/database/upgrades"
)

// Database bundles the query helpers for each mapping table.
type Database struct {
	*dbutil.Database

	ChannelRoom  *ChannelRoomQuery
	EventMessage *EventMessageQuery
	GuildSpace   *GuildSpaceQuery
	Sim          *SimQuery
	Webhook      *WebhookQuery
	Poll         *PollQuery
	Reaction     *ReactionQuery
}

// New wraps a raw dbutil database and registers the schema upgrades.
func New(raw *dbutil.Database) *Database {
	raw.UpgradeTable = upgrades.Table
	raw.VersionTable = "version"
	return &Database{
		Database:     raw,
		ChannelRoom:  &ChannelRoomQuery{db: raw},
		EventMessage: &EventMessageQuery{db: raw},
		GuildSpace:   &GuildSpaceQuery{db: raw},
		Sim:          &SimQuery{db: raw},
		Webhook:      &WebhookQuery{db: raw},
		Poll:         &PollQuery{db: raw},
		Reaction:     &ReactionQuery{db: raw},
	}
}
