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
)

// Poll is a Discord-originated poll bridged to Matrix.
type Poll struct {
	MessageID     string
	MaxSelections int
	QuestionText  string
	IsClosed      bool
}

// PollOption maps one Matrix option ID to one Discord answer ID.
type PollOption struct {
	MessageID     string
	MatrixOption  string
	DiscordOption string
	OptionText    string
	Seq           int
}

// PollQuery accesses the poll, poll_option and poll_vote tables. Votes
// are a per-(user, message, option) accumulator reconciled against
// Discord's authoritative voter lists when counts disagree.
type PollQuery struct {
	db *dbutil.Database
}

// Get returns the poll for a message, or nil.
func (pq *PollQuery) Get(ctx context.Context, messageID string) (*Poll, error) {
	var p Poll
	err := pq.db.QueryRow(ctx,
		`SELECT message_id, max_selections, question_text, is_closed FROM poll WHERE message_id=$1`,
		messageID).Scan(&p.MessageID, &p.MaxSelections, &p.QuestionText, &p.IsClosed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &p, nil
}

// Insert writes a poll and its option mapping in one transaction.
func (pq *PollQuery) Insert(ctx context.Context, p *Poll, options []*PollOption) error {
	return pq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := pq.db.Exec(ctx, `
			INSERT INTO poll (message_id, max_selections, question_text, is_closed)
			VALUES ($1, $2, $3, $4)
		`, p.MessageID, p.MaxSelections, p.QuestionText, p.IsClosed)
		if err != nil {
			return err
		}
		for _, opt := range options {
			_, err = pq.db.Exec(ctx, `
				INSERT INTO poll_option (message_id, matrix_option, discord_option, option_text, seq)
				VALUES ($1, $2, $3, $4, $5)
			`, opt.MessageID, opt.MatrixOption, opt.DiscordOption, opt.OptionText, opt.Seq)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SetClosed marks a poll as closed.
func (pq *PollQuery) SetClosed(ctx context.Context, messageID string) error {
	_, err := pq.db.Exec(ctx, `UPDATE poll SET is_closed=true WHERE message_id=$1`, messageID)
	return err
}

// GetOptions returns the option mapping for a poll in sequence order.
func (pq *PollQuery) GetOptions(ctx context.Context, messageID string) ([]*PollOption, error) {
	rows, err := pq.db.Query(ctx, `
		SELECT message_id, matrix_option, discord_option, option_text, seq
		FROM poll_option WHERE message_id=$1 ORDER BY seq
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PollOption
	for rows.Next() {
		var opt PollOption
		if err := rows.Scan(&opt.MessageID, &opt.MatrixOption, &opt.DiscordOption, &opt.OptionText, &opt.Seq); err != nil {
			return nil, err
		}
		out = append(out, &opt)
	}
	return out, rows.Err()
}

// AddVote records one vote. Idempotent: re-adding an existing vote is a
// no-op.
func (pq *PollQuery) AddVote(ctx context.Context, userID, messageID, matrixOption string) error {
	_, err := pq.db.Exec(ctx, `
		INSERT INTO poll_vote (user_id, message_id, matrix_option) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, message_id, matrix_option) DO NOTHING
	`, userID, messageID, matrixOption)
	return err
}

// RemoveVote deletes one vote. Idempotent.
func (pq *PollQuery) RemoveVote(ctx context.Context, userID, messageID, matrixOption string) error {
	_, err := pq.db.Exec(ctx, `
		DELETE FROM poll_vote WHERE user_id=$1 AND message_id=$2 AND matrix_option=$3
	`, userID, messageID, matrixOption)
	return err
}

// GetVotes returns the current option set for one user on one poll.
func (pq *PollQuery) GetVotes(ctx context.Context, userID, messageID string) ([]string, error) {
	rows, err := pq.db.Query(ctx, `
		SELECT matrix_option FROM poll_vote WHERE user_id=$1 AND message_id=$2 ORDER BY matrix_option
	`, userID, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var opt string
		if err := rows.Scan(&opt); err != nil {
			return nil, err
		}
		out = append(out, opt)
	}
	return out, rows.Err()
}

// GetAllVotes returns every cached vote for a poll, keyed by user.
func (pq *PollQuery) GetAllVotes(ctx context.Context, messageID string) (map[string][]string, error) {
	rows, err := pq.db.Query(ctx, `
		SELECT user_id, matrix_option FROM poll_vote WHERE message_id=$1 ORDER BY user_id, matrix_option
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var userID, opt string
		if err := rows.Scan(&userID, &opt); err != nil {
			return nil, err
		}
		out[userID] = append(out[userID], opt)
	}
	return out, rows.Err()
}

// CountVotes returns the total number of cached vote rows for a poll.
func (pq *PollQuery) CountVotes(ctx context.Context, messageID string) (int, error) {
	var count int
	err := pq.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM poll_vote WHERE message_id=$1`, messageID).Scan(&count)
	return count, err
}

// ReplaceVotes swaps one user's full option set for a poll in a single
// transaction, so concurrent readers never observe a half-applied set.
func (pq *PollQuery) ReplaceVotes(ctx context.Context, userID, messageID string, options []string) error {
	return pq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := pq.db.Exec(ctx,
			`DELETE FROM poll_vote WHERE user_id=$1 AND message_id=$2`, userID, messageID)
		if err != nil {
			return err
		}
		for _, opt := range options {
			_, err = pq.db.Exec(ctx, `
				INSERT INTO poll_vote (user_id, message_id, matrix_option) VALUES ($1, $2, $3)
			`, userID, messageID, opt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
