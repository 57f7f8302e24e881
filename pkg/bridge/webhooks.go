// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

// webhookTarget resolves where a Matrix-originated message for a channel
// actually goes: thread messages use the parent channel's webhook with
// the thread ID attached.
type webhookTarget struct {
	Webhook  *database.Webhook
	ThreadID string
}

// EnsureWebhook returns the bridge-owned webhook for a channel, creating
// it on demand. For threads the webhook lives on the parent channel.
func (br *Bridge) EnsureWebhook(ctx context.Context, link *database.ChannelRoom) (*webhookTarget, error) {
	channelID := link.ChannelID
	threadID := ""
	if link.ThreadParent.Valid {
		threadID = link.ChannelID
		channelID = link.ThreadParent.String
	}
	webhook, err := br.DB.Webhook.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if webhook == nil {
		webhook, err = br.createWebhook(ctx, channelID)
		if err != nil {
			return nil, err
		}
	}
	return &webhookTarget{Webhook: webhook, ThreadID: threadID}, nil
}

func (br *Bridge) createWebhook(ctx context.Context, channelID string) (*database.Webhook, error) {
	created, err := br.Discord.CreateWebhook(ctx, channelID, br.Config.Bridge.WebhookName)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	webhook := &database.Webhook{ChannelID: channelID, ID: created.ID, Token: created.Token}
	if err = br.DB.Webhook.Set(ctx, webhook); err != nil {
		return nil, err
	}
	br.Log.Info().Str("channel_id", channelID).Str("webhook_id", created.ID).
		Msg("Created webhook")
	return webhook, nil
}

// isUnknownWebhook matches Discord's 10015 error, raised when someone
// deleted our webhook out from under us.
func isUnknownWebhook(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownWebhook
}

// sendViaWebhook executes a webhook send, recreating the webhook once if
// Discord reports it gone.
func (br *Bridge) sendViaWebhook(ctx context.Context, link *database.ChannelRoom, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	target, err := br.EnsureWebhook(ctx, link)
	if err != nil {
		return nil, err
	}
	msg, err := br.Discord.ExecuteWebhook(ctx, target.Webhook.ID, target.Webhook.Token, target.ThreadID, params)
	if !isUnknownWebhook(err) {
		return msg, err
	}
	target, err = br.recreateWebhook(ctx, link, target)
	if err != nil {
		return nil, err
	}
	return br.Discord.ExecuteWebhook(ctx, target.Webhook.ID, target.Webhook.Token, target.ThreadID, params)
}

// editViaWebhook edits a previously sent webhook message with the same
// recreate-once recovery.
func (br *Bridge) editViaWebhook(ctx context.Context, link *database.ChannelRoom, messageID string, params *discordgo.WebhookEdit) (*discordgo.Message, error) {
	target, err := br.EnsureWebhook(ctx, link)
	if err != nil {
		return nil, err
	}
	msg, err := br.Discord.EditWebhookMessage(ctx, target.Webhook.ID, target.Webhook.Token, target.ThreadID, messageID, params)
	if !isUnknownWebhook(err) {
		return msg, err
	}
	// A recreated webhook cannot edit the old webhook's messages, so
	// recovery here only repairs the stored row for future sends.
	if _, err = br.recreateWebhook(ctx, link, target); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("webhook owning message %s is gone: %w", messageID, err)
}

func (br *Bridge) deleteViaWebhook(ctx context.Context, link *database.ChannelRoom, messageID string) error {
	target, err := br.EnsureWebhook(ctx, link)
	if err != nil {
		return err
	}
	err = br.Discord.DeleteWebhookMessage(ctx, target.Webhook.ID, target.Webhook.Token, target.ThreadID, messageID)
	if isUnknownWebhook(err) {
		// Webhook gone means the message is unreachable through it
		// anyway. Repair the row and treat the delete as done.
		_, err = br.recreateWebhook(ctx, link, target)
	}
	return err
}

func (br *Bridge) recreateWebhook(ctx context.Context, link *database.ChannelRoom, stale *webhookTarget) (*webhookTarget, error) {
	br.Log.Warn().Str("channel_id", stale.Webhook.ChannelID).
		Str("webhook_id", stale.Webhook.ID).
		Msg("Webhook gone, recreating")
	if err := br.DB.Webhook.Delete(ctx, stale.Webhook.ChannelID); err != nil {
		return nil, err
	}
	return br.EnsureWebhook(ctx, link)
}
