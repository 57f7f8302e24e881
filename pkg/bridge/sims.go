// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

// EnsureSim returns the ghost Matrix account for a Discord user,
// registering and storing it on first sight.
func (br *Bridge) EnsureSim(ctx context.Context, user *discordgo.User) (*database.Sim, error) {
	sim, err := br.DB.Sim.Get(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sim: %w", err)
	}
	if sim != nil {
		return sim, nil
	}
	return br.createSim(ctx, user.ID, user.Username)
}

// simForMessage resolves the sending identity of a Discord message.
// Webhook messages have no stable author ID, so each distinct webhook
// display name gets its own sim keyed by the name, with a synthesized
// user ID to keep the sim table's key space uniform.
func (br *Bridge) simForMessage(ctx context.Context, msg *discordgo.Message) (*database.Sim, error) {
	if msg.Author == nil {
		return nil, fmt.Errorf("message %s has no author", msg.ID)
	}
	if msg.WebhookID == "" {
		return br.EnsureSim(ctx, msg.Author)
	}
	key := "webhook:" + msg.Author.Username
	sim, err := br.DB.Sim.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook sim: %w", err)
	}
	if sim != nil {
		return sim, nil
	}
	fakeID := "webhook_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return br.createSimWithLocalpart(ctx, key, msg.Author.Username, fakeID)
}

func (br *Bridge) createSim(ctx context.Context, userID, username string) (*database.Sim, error) {
	return br.createSimWithLocalpart(ctx, userID, username, userID)
}

func (br *Bridge) createSimWithLocalpart(ctx context.Context, userID, username, localpartKey string) (*database.Sim, error) {
	localpart := br.Config.Appservice.SimPrefix + sanitizeLocalpart(localpartKey)
	mxid := id.NewUserID(localpart, br.Config.Homeserver.Domain)
	if err := br.Matrix.EnsureRegistered(ctx, mxid); err != nil {
		return nil, fmt.Errorf("failed to register sim %s: %w", mxid, err)
	}
	sim := &database.Sim{
		UserID:    userID,
		SimName:   username,
		Localpart: localpart,
		MXID:      mxid,
	}
	if err := br.DB.Sim.Insert(ctx, sim); err != nil {
		return nil, fmt.Errorf("failed to store sim %s: %w", mxid, err)
	}
	br.Log.Debug().Str("user_id", userID).Stringer("mxid", mxid).Msg("Created sim")
	return sim, nil
}

// SyncSimProfile joins the sim to a room and brings its profile up to
// date. The displayname and avatar URL are hashed and compared with the
// stored per-room hash first, so an unchanged profile costs no media
// upload and no profile calls.
func (br *Bridge) SyncSimProfile(ctx context.Context, roomID id.RoomID, sim *database.Sim, displayName, avatarURL string) error {
	if err := br.Matrix.EnsureJoined(ctx, roomID, sim.MXID); err != nil {
		return fmt.Errorf("failed to join sim to room: %w", err)
	}
	hash := int64(xxhash.Sum64String(displayName + "\x00" + avatarURL))
	stored, ok, err := br.DB.Sim.GetMemberProfileHash(ctx, roomID, sim.MXID)
	if err != nil {
		return err
	}
	if ok && stored == hash {
		return nil
	}
	if displayName != "" {
		if err = br.Matrix.SetDisplayName(ctx, sim.MXID, displayName); err != nil {
			return fmt.Errorf("failed to set sim displayname: %w", err)
		}
	}
	if avatarURL != "" {
		avatar, err := br.Matrix.UploadFile(ctx, avatarURL)
		if err != nil {
			return fmt.Errorf("failed to upload sim avatar: %w", err)
		}
		if err = br.Matrix.SetAvatarURL(ctx, sim.MXID, avatar); err != nil {
			return fmt.Errorf("failed to set sim avatar: %w", err)
		}
	}
	return br.DB.Sim.SetMemberProfileHash(ctx, roomID, sim.MXID, hash)
}

// IsSimMXID reports whether a Matrix user ID is in the bridge's sim
// namespace. Used to tell bridge-originated reactions apart from real
// Matrix users when fanning out removals.
func (br *Bridge) IsSimMXID(mxid id.UserID) bool {
	localpart, domain, err := mxid.Parse()
	if err != nil || domain != br.Config.Homeserver.Domain {
		return false
	}
	return strings.HasPrefix(localpart, br.Config.Appservice.SimPrefix) ||
		mxid == br.Matrix.BotMXID()
}

func sanitizeLocalpart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
