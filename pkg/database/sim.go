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

// Sim is a bridge-controlled ghost Matrix account puppeting one Discord
// identity. Webhook senders with no real Discord user ID are keyed by a
// synthesized fake user ID instead.
type Sim struct {
	UserID    string
	SimName   string
	Localpart string
	MXID      id.UserID
	Username  sql.NullString
}

// SimQuery accesses the sim and sim_member tables.
type SimQuery struct {
	db *dbutil.Database
}

func (sq *SimQuery) scan(row dbutil.Scannable) (*Sim, error) {
	var s Sim
	var localpart sql.NullString
	err := row.Scan(&s.UserID, &s.SimName, &localpart, &s.MXID, &s.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	s.Localpart = localpart.String
	return &s, nil
}

// Get returns the registered sim for a Discord user ID, or nil.
func (sq *SimQuery) Get(ctx context.Context, userID string) (*Sim, error) {
	return sq.scan(sq.db.QueryRow(ctx,
		`SELECT user_id, sim_name, localpart, mxid, username FROM sim WHERE user_id=$1`, userID))
}

// GetByMXID returns the sim owning a Matrix user ID, or nil.
func (sq *SimQuery) GetByMXID(ctx context.Context, mxid id.UserID) (*Sim, error) {
	return sq.scan(sq.db.QueryRow(ctx,
		`SELECT user_id, sim_name, localpart, mxid, username FROM sim WHERE mxid=$1`, mxid))
}

// Insert registers a newly created sim. Created once, reused forever.
func (sq *SimQuery) Insert(ctx context.Context, s *Sim) error {
	_, err := sq.db.Exec(ctx, `
		INSERT INTO sim (user_id, sim_name, localpart, mxid, username)
		VALUES ($1, $2, $3, $4, $5)
	`, s.UserID, s.SimName, nullString(s.Localpart), s.MXID, s.Username)
	return err
}

// GetMemberProfileHash returns the stored per-room profile hash for a sim,
// used to skip redundant profile updates. The second return is false when
// the sim has never joined the room.
func (sq *SimQuery) GetMemberProfileHash(ctx context.Context, roomID id.RoomID, mxid id.UserID) (int64, bool, error) {
	var hash sql.NullInt64
	err := sq.db.QueryRow(ctx,
		`SELECT hashed_profile_content FROM sim_member WHERE room_id=$1 AND mxid=$2`,
		roomID, mxid).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	return hash.Int64, true, nil
}

// SetMemberProfileHash upserts the per-room profile hash for a sim.
func (sq *SimQuery) SetMemberProfileHash(ctx context.Context, roomID id.RoomID, mxid id.UserID, hash int64) error {
	_, err := sq.db.Exec(ctx, `
		INSERT INTO sim_member (room_id, mxid, hashed_profile_content) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, mxid) DO UPDATE SET hashed_profile_content=excluded.hashed_profile_content
	`, roomID, mxid, hash)
	return err
}
