// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"database/sql"
	"time"
)

// Known proxy bot application IDs. Channels these bots operate in get a
// short delay before bridging so the proxy's delete-and-repost completes
// first, keeping the original message off Matrix entirely.
var speedbumpBots = map[string]struct{}{
	"466378653216014359": {}, // PluralKit
	"431544605209788416": {}, // Tupperbox
}

const (
	// speedbumpDelay is how long to hold a message in a proxied channel
	// before checking whether the proxy deleted it.
	speedbumpDelay = 4 * time.Second
	// speedbumpCheckInterval caps how often the channel's webhook list
	// is re-fetched to detect proxy bots coming or going.
	speedbumpCheckInterval = time.Hour
)

// updateSpeedbump refreshes the cached speedbump state for a channel when
// the cache is stale, and returns whether a speedbump is active.
func (br *Bridge) updateSpeedbump(ctx context.Context, channelID string) (bool, error) {
	link, err := br.DB.ChannelRoom.GetByChannel(ctx, channelID)
	if err != nil || link == nil {
		return false, err
	}
	now := time.Now().Unix()
	if link.SpeedbumpChecked.Valid && now-link.SpeedbumpChecked.Int64 < int64(speedbumpCheckInterval/time.Second) {
		return link.SpeedbumpID.Valid, nil
	}

	webhooks, err := br.Discord.ChannelWebhooks(ctx, channelID)
	if err != nil {
		// Missing permission to list webhooks. Cache the miss so the
		// failing call is not repeated per message.
		br.Log.Debug().Err(err).Str("channel_id", channelID).
			Msg("Could not list channel webhooks for speedbump check")
		webhooks = nil
	}
	var botID, webhookID sql.NullString
	for _, webhook := range webhooks {
		if webhook.ApplicationID == "" {
			continue
		}
		if _, ok := speedbumpBots[webhook.ApplicationID]; ok {
			botID = sql.NullString{String: webhook.ApplicationID, Valid: true}
			webhookID = sql.NullString{String: webhook.ID, Valid: true}
			break
		}
	}
	err = br.DB.ChannelRoom.UpdateSpeedbump(ctx, channelID, botID, webhookID, now)
	if err != nil {
		return false, err
	}
	return botID.Valid, nil
}

// speedbumpSurvived waits out the proxy window and reports whether the
// message still exists on Discord. A deleted message was consumed by the
// proxy and must not be bridged.
func (br *Bridge) speedbumpSurvived(ctx context.Context, channelID, messageID string) bool {
	timer := time.NewTimer(speedbumpDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	_, err := br.Discord.GetMessage(ctx, channelID, messageID)
	return err == nil
}
