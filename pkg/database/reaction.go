// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cespare/xxhash/v2"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// HashEventID reduces a Matrix event ID to the 64-bit key used by the
// reaction table. Stored as a signed integer for portability.
func HashEventID(eventID id.EventID) int64 {
	return int64(xxhash.Sum64String(string(eventID)))
}

// Reaction links a Matrix reaction event (by hashed event ID) to the
// Discord message it was mirrored onto and the emoji used there.
type Reaction struct {
	HashedEventID int64
	MessageID     string
	EncodedEmoji  string
}

// ReactionQuery accesses the reaction table.
type ReactionQuery struct {
	db *dbutil.Database
}

// Get returns the reaction row for a Matrix event, or nil.
func (rq *ReactionQuery) Get(ctx context.Context, eventID id.EventID) (*Reaction, error) {
	var r Reaction
	err := rq.db.QueryRow(ctx,
		`SELECT hashed_event_id, message_id, encoded_emoji FROM reaction WHERE hashed_event_id=$1`,
		HashEventID(eventID)).Scan(&r.HashedEventID, &r.MessageID, &r.EncodedEmoji)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &r, nil
}

// Insert records a bridged reaction.
func (rq *ReactionQuery) Insert(ctx context.Context, eventID id.EventID, messageID, encodedEmoji string) error {
	_, err := rq.db.Exec(ctx, `
		INSERT INTO reaction (hashed_event_id, message_id, encoded_emoji) VALUES ($1, $2, $3)
		ON CONFLICT (hashed_event_id) DO NOTHING
	`, HashEventID(eventID), messageID, encodedEmoji)
	return err
}

// Delete removes the row for one Matrix reaction event.
func (rq *ReactionQuery) Delete(ctx context.Context, eventID id.EventID) error {
	_, err := rq.db.Exec(ctx,
		`DELETE FROM reaction WHERE hashed_event_id=$1`, HashEventID(eventID))
	return err
}

// CountByEmoji returns how many bridged Matrix reactions with the given
// encoded emoji remain on a message.
func (rq *ReactionQuery) CountByEmoji(ctx context.Context, messageID, encodedEmoji string) (int, error) {
	var count int
	err := rq.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM reaction WHERE message_id=$1 AND encoded_emoji=$2`,
		messageID, encodedEmoji).Scan(&count)
	return count, err
}

// DeleteByMessage removes every reaction row for a message.
func (rq *ReactionQuery) DeleteByMessage(ctx context.Context, messageID string) error {
	_, err := rq.db.Exec(ctx, `DELETE FROM reaction WHERE message_id=$1`, messageID)
	return err
}
