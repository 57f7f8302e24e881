// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixapi implements the bridge's homeserver access on top of
// a mautrix appservice. Per-sim actions go through appservice intents so
// sims are registered and joined on demand.
package matrixapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/kstate"
)

// Client wraps an appservice connection and implements bridge.MatrixAPI.
type Client struct {
	AS  *appservice.AppService
	Log zerolog.Logger

	// HTTP is used to fetch remote files for UploadFile. Defaults to a
	// client with a 30 second timeout.
	HTTP *http.Client
}

func New(as *appservice.AppService, log zerolog.Logger) *Client {
	return &Client{
		AS:   as,
		Log:  log,
		HTTP: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) BotMXID() id.UserID {
	return c.AS.BotMXID()
}

// intent picks the appservice intent for a user. The zero user ID and
// the bot's own MXID both resolve to the bot intent.
func (c *Client) intent(as id.UserID) *appservice.IntentAPI {
	if as == "" || as == c.AS.BotMXID() {
		return c.AS.BotIntent()
	}
	return c.AS.Intent(as)
}

func (c *Client) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := c.AS.BotIntent().CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("creating room: %w", err)
	}
	return resp.RoomID, nil
}

func (c *Client) SendState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) (id.EventID, error) {
	resp, err := c.AS.BotIntent().SendStateEvent(ctx, roomID, evtType, stateKey, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any, as id.UserID, ts time.Time) (id.EventID, error) {
	intent := c.intent(as)
	var resp *mautrix.RespSendEvent
	var err error
	if ts.IsZero() {
		resp, err = intent.SendMessageEvent(ctx, roomID, evtType, content)
	} else {
		resp, err = intent.SendMassagedMessageEvent(ctx, roomID, evtType, content, ts.UnixMilli())
	}
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, as id.UserID, reason string) error {
	_, err := c.intent(as).RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason})
	return err
}

func (c *Client) GetStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string) (kstate.Content, bool, error) {
	var content kstate.Content
	err := c.AS.BotIntent().StateEvent(ctx, roomID, evtType, stateKey, &content)
	if errors.Is(err, mautrix.MNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

func (c *Client) GetAllState(ctx context.Context, roomID id.RoomID) (kstate.KState, error) {
	state, err := c.AS.BotIntent().State(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var events []*event.Event
	for _, byKey := range state {
		for _, evt := range byKey {
			events = append(events, evt)
		}
	}
	return kstate.FromEvents(events), nil
}

type respRelations struct {
	Chunk     []*event.Event `json:"chunk"`
	NextBatch string         `json:"next_batch"`
}

// GetFullRelations pages through /relations until the server runs out of
// batches and returns every related event.
func (c *Client) GetFullRelations(ctx context.Context, roomID id.RoomID, eventID id.EventID, relType event.RelationType) ([]*event.Event, error) {
	intent := c.AS.BotIntent()
	var all []*event.Event
	query := map[string]string{"limit": "100"}
	for {
		url := intent.BuildURLWithQuery(mautrix.ClientURLPath{
			"v1", "rooms", roomID, "relations", eventID, relType,
		}, query)
		var resp respRelations
		_, err := intent.MakeRequest(ctx, http.MethodGet, url, nil, &resp)
		if err != nil {
			return nil, fmt.Errorf("fetching relations: %w", err)
		}
		for _, evt := range resp.Chunk {
			evt.RoomID = roomID
			all = append(all, evt)
		}
		if resp.NextBatch == "" {
			return all, nil
		}
		query["from"] = resp.NextBatch
	}
}

// GetFullHierarchy returns the direct children of a space, read from its
// m.space.child state events.
func (c *Client) GetFullHierarchy(ctx context.Context, spaceID id.RoomID) ([]id.RoomID, error) {
	state, err := c.AS.BotIntent().State(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("fetching space state: %w", err)
	}
	var rooms []id.RoomID
	for stateKey := range state[event.StateSpaceChild] {
		if stateKey != "" {
			rooms = append(rooms, id.RoomID(stateKey))
		}
	}
	return rooms, nil
}

func (c *Client) EnsureRegistered(ctx context.Context, mxid id.UserID) error {
	return c.AS.Intent(mxid).EnsureRegistered(ctx)
}

func (c *Client) EnsureJoined(ctx context.Context, roomID id.RoomID, mxid id.UserID) error {
	return c.intent(mxid).EnsureJoined(ctx, roomID)
}

func (c *Client) Profile(ctx context.Context, mxid id.UserID) (string, id.ContentURI, error) {
	profile, err := c.AS.BotIntent().GetProfile(ctx, mxid)
	if errors.Is(err, mautrix.MNotFound) {
		return "", id.ContentURI{}, nil
	}
	if err != nil {
		return "", id.ContentURI{}, err
	}
	return profile.DisplayName, profile.AvatarURL, nil
}

func (c *Client) SetDisplayName(ctx context.Context, mxid id.UserID, name string) error {
	return c.AS.Intent(mxid).SetDisplayName(ctx, name)
}

func (c *Client) SetAvatarURL(ctx context.Context, mxid id.UserID, avatar id.ContentURI) error {
	return c.AS.Intent(mxid).SetAvatarURL(ctx, avatar)
}

// UploadFile fetches a remote HTTP(S) URL and reuploads it to the media
// repo. It satisfies kstate.Uploader so room state can carry Discord CDN
// URLs that get resolved at apply time.
func (c *Client) UploadFile(ctx context.Context, path string) (id.ContentURI, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("building download request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("downloading %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return id.ContentURI{}, fmt.Errorf("downloading %s: HTTP %d", path, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("reading %s: %w", path, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	upload, err := c.AS.BotIntent().UploadBytes(ctx, data, contentType)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("uploading %s: %w", path, err)
	}
	return upload.ContentURI, nil
}
