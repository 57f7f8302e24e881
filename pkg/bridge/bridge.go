// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements the Discord↔Matrix bridging core: room and
// space lifecycle, message identity and edit reconciliation, reaction and
// poll vote mirroring, and the retrigger engine that absorbs Discord's
// lack of cross-event ordering guarantees.
package bridge

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
	"github.com/aiku/matrix-discord-bridge/pkg/kstate"
)

// MatrixAPI is everything the core needs from the homeserver. The
// production implementation wraps a mautrix appservice client; tests
// substitute a mock. Methods with an `as` parameter act as that sim via
// the appservice user_id query parameter.
type MatrixAPI interface {
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	SendState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) (id.EventID, error)
	SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any, as id.UserID, ts time.Time) (id.EventID, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, as id.UserID, reason string) error
	// GetStateEvent returns (nil, false, nil) when the state event does
	// not exist; errors are reserved for real failures.
	GetStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string) (kstate.Content, bool, error)
	GetAllState(ctx context.Context, roomID id.RoomID) (kstate.KState, error)
	GetFullRelations(ctx context.Context, roomID id.RoomID, eventID id.EventID, relType event.RelationType) ([]*event.Event, error)
	GetFullHierarchy(ctx context.Context, spaceID id.RoomID) ([]id.RoomID, error)
	EnsureRegistered(ctx context.Context, mxid id.UserID) error
	EnsureJoined(ctx context.Context, roomID id.RoomID, mxid id.UserID) error
	// Profile returns a user's global displayname and avatar; both may
	// be zero when unset.
	Profile(ctx context.Context, mxid id.UserID) (string, id.ContentURI, error)
	SetDisplayName(ctx context.Context, mxid id.UserID, name string) error
	SetAvatarURL(ctx context.Context, mxid id.UserID, avatar id.ContentURI) error
	// UploadFile fetches an HTTP(S) URL or bundled asset path and uploads
	// it to the media repo. Satisfies kstate.Uploader.
	UploadFile(ctx context.Context, path string) (id.ContentURI, error)
	BotMXID() id.UserID
}

// DiscordAPI is everything the core needs from Discord's REST API. The
// gateway side is not here: decoded dispatch events are pushed into
// HandleGatewayEvent by the caller.
type DiscordAPI interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Channel(channelID string) (*discordgo.Channel, error)
	User(ctx context.Context, userID string) (*discordgo.User, error)
	GetMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	CreateWebhook(ctx context.Context, channelID, name string) (*discordgo.Webhook, error)
	ChannelWebhooks(ctx context.Context, channelID string) ([]*discordgo.Webhook, error)
	// The webhook message calls take a thread ID because thread messages
	// go through the parent channel's webhook.
	ExecuteWebhook(ctx context.Context, webhookID, token, threadID string, params *discordgo.WebhookParams) (*discordgo.Message, error)
	EditWebhookMessage(ctx context.Context, webhookID, token, threadID, messageID string, params *discordgo.WebhookEdit) (*discordgo.Message, error)
	DeleteWebhookMessage(ctx context.Context, webhookID, token, threadID, messageID string) error
	AddOwnReaction(ctx context.Context, channelID, messageID, emojiAPIName string) error
	RemoveOwnReaction(ctx context.Context, channelID, messageID, emojiAPIName string) error
	PollAnswerVoters(ctx context.Context, channelID, messageID string, answerID int) ([]*discordgo.User, error)
	BotUserID() string
}

// Bridge is the long-lived session object owning all shared mutable
// state. Everything that was once module-level state lives here so
// multiple isolated instances can coexist in tests.
type Bridge struct {
	Log     zerolog.Logger
	Config  *Config
	DB      *database.Database
	Matrix  MatrixAPI
	Discord DiscordAPI

	Retrigger *Retrigger
	votes     *voteScheduler

	// inflight deduplicates concurrent room/space creations per
	// channel/guild key.
	inflight singleflight.Group
}

// New assembles a bridge session. The gateway connection is owned by the
// caller, which feeds decoded events into HandleGatewayEvent.
func New(log zerolog.Logger, cfg *Config, db *database.Database, matrix MatrixAPI, discord DiscordAPI) *Bridge {
	br := &Bridge{
		Log:     log,
		Config:  cfg,
		DB:      db,
		Matrix:  matrix,
		Discord: discord,
	}
	br.Retrigger = NewRetrigger(log.With().Str("component", "retrigger").Logger())
	br.votes = newVoteScheduler(br)
	return br
}
