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

// Webhook is the bridge-owned Discord webhook for one channel, used to
// send messages impersonating Matrix users.
type Webhook struct {
	ChannelID string
	ID        string
	Token     string
}

// WebhookQuery accesses the webhook table.
type WebhookQuery struct {
	db *dbutil.Database
}

// Get returns the stored webhook for a channel, or nil.
func (wq *WebhookQuery) Get(ctx context.Context, channelID string) (*Webhook, error) {
	var w Webhook
	err := wq.db.QueryRow(ctx,
		`SELECT channel_id, webhook_id, webhook_token FROM webhook WHERE channel_id=$1`,
		channelID).Scan(&w.ChannelID, &w.ID, &w.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &w, nil
}

// Set upserts the webhook for a channel. Called on creation and again
// after an Unknown Webhook recovery.
func (wq *WebhookQuery) Set(ctx context.Context, w *Webhook) error {
	_, err := wq.db.Exec(ctx, `
		INSERT INTO webhook (channel_id, webhook_id, webhook_token) VALUES ($1, $2, $3)
		ON CONFLICT (channel_id) DO UPDATE SET webhook_id=excluded.webhook_id, webhook_token=excluded.webhook_token
	`, w.ChannelID, w.ID, w.Token)
	return err
}

// Delete forgets the webhook for a channel.
func (wq *WebhookQuery) Delete(ctx context.Context, channelID string) error {
	_, err := wq.db.Exec(ctx, `DELETE FROM webhook WHERE channel_id=$1`, channelID)
	return err
}
