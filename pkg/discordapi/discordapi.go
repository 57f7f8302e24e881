// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discordapi implements the bridge's Discord REST access over a
// discordgo session. Guild and channel lookups are served from the
// gateway state cache when possible.
package discordapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// Client wraps a discordgo session and implements bridge.DiscordAPI.
type Client struct {
	Session *discordgo.Session
}

func New(session *discordgo.Session) *Client {
	return &Client{Session: session}
}

func (c *Client) BotUserID() string {
	return c.Session.State.User.ID
}

func (c *Client) Guild(guildID string) (*discordgo.Guild, error) {
	if guild, err := c.Session.State.Guild(guildID); err == nil {
		return guild, nil
	}
	return c.Session.Guild(guildID)
}

func (c *Client) Channel(channelID string) (*discordgo.Channel, error) {
	if channel, err := c.Session.State.Channel(channelID); err == nil {
		return channel, nil
	}
	return c.Session.Channel(channelID)
}

func (c *Client) User(ctx context.Context, userID string) (*discordgo.User, error) {
	return c.Session.User(userID, discordgo.WithContext(ctx))
}

func (c *Client) GetMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	return c.Session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.Session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

func (c *Client) CreateWebhook(ctx context.Context, channelID, name string) (*discordgo.Webhook, error) {
	return c.Session.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
}

func (c *Client) ChannelWebhooks(ctx context.Context, channelID string) ([]*discordgo.Webhook, error) {
	return c.Session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
}

func (c *Client) ExecuteWebhook(ctx context.Context, webhookID, token, threadID string, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	if threadID != "" {
		return c.Session.WebhookThreadExecute(webhookID, token, true, threadID, params, discordgo.WithContext(ctx))
	}
	return c.Session.WebhookExecute(webhookID, token, true, params, discordgo.WithContext(ctx))
}

// EditWebhookMessage edits a webhook-sent message. discordgo has no
// thread-aware edit helper, so thread edits go through a raw request
// with the thread_id query parameter.
func (c *Client) EditWebhookMessage(ctx context.Context, webhookID, token, threadID, messageID string, params *discordgo.WebhookEdit) (*discordgo.Message, error) {
	if threadID == "" {
		return c.Session.WebhookMessageEdit(webhookID, token, messageID, params, discordgo.WithContext(ctx))
	}
	uri := discordgo.EndpointWebhookMessage(webhookID, token, messageID) + "?thread_id=" + threadID
	body, err := c.Session.RequestWithBucketID(http.MethodPatch, uri, params,
		discordgo.EndpointWebhookMessage(webhookID, token, ""), discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	var msg discordgo.Message
	if err = json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decoding edited webhook message: %w", err)
	}
	return &msg, nil
}

func (c *Client) DeleteWebhookMessage(ctx context.Context, webhookID, token, threadID, messageID string) error {
	if threadID == "" {
		return c.Session.WebhookMessageDelete(webhookID, token, messageID, discordgo.WithContext(ctx))
	}
	uri := discordgo.EndpointWebhookMessage(webhookID, token, messageID) + "?thread_id=" + threadID
	_, err := c.Session.RequestWithBucketID(http.MethodDelete, uri, nil,
		discordgo.EndpointWebhookMessage(webhookID, token, ""), discordgo.WithContext(ctx))
	return err
}

func (c *Client) AddOwnReaction(ctx context.Context, channelID, messageID, emojiAPIName string) error {
	return c.Session.MessageReactionAdd(channelID, messageID, emojiAPIName, discordgo.WithContext(ctx))
}

func (c *Client) RemoveOwnReaction(ctx context.Context, channelID, messageID, emojiAPIName string) error {
	return c.Session.MessageReactionRemove(channelID, messageID, emojiAPIName, "@me", discordgo.WithContext(ctx))
}

func (c *Client) PollAnswerVoters(ctx context.Context, channelID, messageID string, answerID int) ([]*discordgo.User, error) {
	return c.Session.PollAnswerVoters(channelID, messageID, answerID)
}
