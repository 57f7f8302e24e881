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

// EventSource records which side of the bridge a message originated on.
type EventSource int

const (
	SourceMatrix  EventSource = 0
	SourceDiscord EventSource = 1
)

// EventPart is one Matrix event belonging to a bridged Discord message.
// A single Discord message can become several Matrix events (text, image,
// sticker); Part designates the primary event used as the reply and pin
// target, ReactionPart the event new reactions attach to. For a given
// message at most one row has Part==0 and at most one has ReactionPart==0,
// except transiently during edit reconciliation.
type EventPart struct {
	EventID      id.EventID
	MessageID    string
	ChannelID    string
	EventType    string
	EventSubtype string
	Part         int
	ReactionPart int
	Source       EventSource
}

// EventMessageQuery accesses the event_message table.
type EventMessageQuery struct {
	db *dbutil.Database
}

const eventMessageColumns = `event_id, message_id, channel_id, event_type, event_subtype, part, reaction_part, source`

func (emq *EventMessageQuery) scan(row dbutil.Scannable) (*EventPart, error) {
	var ep EventPart
	var subtype sql.NullString
	err := row.Scan(&ep.EventID, &ep.MessageID, &ep.ChannelID, &ep.EventType, &subtype,
		&ep.Part, &ep.ReactionPart, &ep.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	ep.EventSubtype = subtype.String
	return &ep, nil
}

// GetByMessage returns every event row for a Discord message, ordered by
// part so index 0 is the primary event.
func (emq *EventMessageQuery) GetByMessage(ctx context.Context, messageID string) ([]*EventPart, error) {
	rows, err := emq.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM event_message WHERE message_id=$1 ORDER BY part, event_id`,
		eventMessageColumns), messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*EventPart
	for rows.Next() {
		ep, err := emq.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// GetByEvent resolves a Matrix event ID to its message row.
func (emq *EventMessageQuery) GetByEvent(ctx context.Context, eventID id.EventID) (*EventPart, error) {
	return emq.scan(emq.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM event_message WHERE event_id=$1`, eventMessageColumns), eventID))
}

// GetPrimary returns the part=0 row for a message, or nil.
func (emq *EventMessageQuery) GetPrimary(ctx context.Context, messageID string) (*EventPart, error) {
	return emq.scan(emq.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM event_message WHERE message_id=$1 AND part=0`, eventMessageColumns), messageID))
}

// GetReactionTarget returns the reaction_part=0 row for a message, or nil.
func (emq *EventMessageQuery) GetReactionTarget(ctx context.Context, messageID string) (*EventPart, error) {
	return emq.scan(emq.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM event_message WHERE message_id=$1 AND reaction_part=0`, eventMessageColumns), messageID))
}

// Insert writes one event row.
func (emq *EventMessageQuery) Insert(ctx context.Context, ep *EventPart) error {
	_, err := emq.db.Exec(ctx, `
		INSERT INTO event_message (event_id, message_id, channel_id, event_type, event_subtype, part, reaction_part, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ep.EventID, ep.MessageID, ep.ChannelID, ep.EventType, nullString(ep.EventSubtype),
		ep.Part, ep.ReactionPart, ep.Source)
	return err
}

// InsertAll writes a full set of rows for a freshly bridged message in
// one transaction.
func (emq *EventMessageQuery) InsertAll(ctx context.Context, parts []*EventPart) error {
	return emq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, ep := range parts {
			if err := emq.Insert(ctx, ep); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes one event row.
func (emq *EventMessageQuery) Delete(ctx context.Context, eventID id.EventID) error {
	_, err := emq.db.Exec(ctx, `DELETE FROM event_message WHERE event_id=$1`, eventID)
	return err
}

// DeleteByMessage removes every row for a message.
func (emq *EventMessageQuery) DeleteByMessage(ctx context.Context, messageID string) error {
	_, err := emq.db.Exec(ctx, `DELETE FROM event_message WHERE message_id=$1`, messageID)
	return err
}

// ApplyEditResult applies the bookkeeping for a completed edit in a single
// transaction: redacted rows are removed, new rows inserted, and the
// part/reaction_part promotions applied atomically so the "exactly one
// primary part" invariant holds even if the process dies mid-edit.
func (emq *EventMessageQuery) ApplyEditResult(ctx context.Context, messageID string,
	removed []id.EventID, added []*EventPart, promotePart, promoteReactionPart *id.EventID) error {
	return emq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, eventID := range removed {
			if err := emq.Delete(ctx, eventID); err != nil {
				return err
			}
		}
		for _, ep := range added {
			if err := emq.Insert(ctx, ep); err != nil {
				return err
			}
		}
		if promotePart != nil {
			_, err := emq.db.Exec(ctx,
				`UPDATE event_message SET part=1 WHERE message_id=$1 AND part=0 AND event_id<>$2`,
				messageID, *promotePart)
			if err != nil {
				return err
			}
			_, err = emq.db.Exec(ctx,
				`UPDATE event_message SET part=0 WHERE event_id=$1`, *promotePart)
			if err != nil {
				return err
			}
		}
		if promoteReactionPart != nil {
			_, err := emq.db.Exec(ctx,
				`UPDATE event_message SET reaction_part=1 WHERE message_id=$1 AND reaction_part=0 AND event_id<>$2`,
				messageID, *promoteReactionPart)
			if err != nil {
				return err
			}
			_, err = emq.db.Exec(ctx,
				`UPDATE event_message SET reaction_part=0 WHERE event_id=$1`, *promoteReactionPart)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
