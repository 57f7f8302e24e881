// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/bridge/matrixfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

// MessageEdit is one webhook edit to apply on Discord.
type MessageEdit struct {
	MessageID string
	Params    *discordgo.WebhookEdit
}

// ChangeSet is the Discord-side work computed for one Matrix event:
// webhook messages to edit, send, and delete, in application order.
type ChangeSet struct {
	MessagesToEdit   []*MessageEdit
	MessagesToSend   []*discordgo.WebhookParams
	MessagesToDelete []string
}

// EventToMessages classifies a Matrix message event against the Discord
// messages previously sent for it. A plain message becomes one webhook
// send; an m.replace edit becomes a webhook edit of the original, when
// the original was a Matrix-sourced webhook message.
func (br *Bridge) EventToMessages(ctx context.Context, evt *event.Event) (*ChangeSet, error) {
	_ = evt.Content.ParseRaw(event.EventMessage)
	content := evt.Content.AsMessage()
	if content == nil {
		return nil, fmt.Errorf("event %s has no message content", evt.ID)
	}

	if relation := content.RelatesTo; relation != nil && relation.Type == event.RelReplace {
		return br.editToChangeSet(ctx, relation.EventID, content)
	}

	params, err := br.webhookParamsForEvent(ctx, evt, content)
	if err != nil {
		return nil, err
	}
	return &ChangeSet{MessagesToSend: []*discordgo.WebhookParams{params}}, nil
}

func (br *Bridge) editToChangeSet(ctx context.Context, originalID id.EventID, content *event.MessageEventContent) (*ChangeSet, error) {
	row, err := br.DB.EventMessage.GetByEvent(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Source != database.SourceMatrix {
		// Either the original was never bridged or it came from
		// Discord, where the real author owns the message. Nothing the
		// webhook can edit.
		return &ChangeSet{}, nil
	}
	if content.NewContent != nil {
		content = content.NewContent
	}
	text := br.renderDiscordContent(content)
	return &ChangeSet{MessagesToEdit: []*MessageEdit{{
		MessageID: row.MessageID,
		Params:    &discordgo.WebhookEdit{Content: &text},
	}}}, nil
}

func (br *Bridge) webhookParamsForEvent(ctx context.Context, evt *event.Event, content *event.MessageEventContent) (*discordgo.WebhookParams, error) {
	displayName, avatar, err := br.Matrix.Profile(ctx, evt.Sender)
	if err != nil || displayName == "" {
		localpart, _, _ := evt.Sender.Parse()
		displayName = localpart
	}
	params := &discordgo.WebhookParams{
		Content:  br.renderDiscordContent(content),
		Username: displayName,
	}
	if !avatar.IsEmpty() {
		params.AvatarURL = br.mediaDownloadURL(avatar)
	}
	return params, nil
}

// renderDiscordContent turns Matrix message content into Discord
// markdown. Media messages become their public download URL so Discord
// renders an embed; captionless uploads still carry the filename body.
func (br *Bridge) renderDiscordContent(content *event.MessageEventContent) string {
	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		uri, err := content.URL.Parse()
		if err != nil || uri.IsEmpty() {
			return content.Body
		}
		return br.mediaDownloadURL(uri)
	default:
		return matrixfmt.Parse(content)
	}
}

func (br *Bridge) mediaDownloadURL(uri id.ContentURI) string {
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s",
		br.Config.Homeserver.Address, uri.Homeserver, uri.FileID)
}
