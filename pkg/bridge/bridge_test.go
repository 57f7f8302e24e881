// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
	"github.com/aiku/matrix-discord-bridge/pkg/kstate"
)

var testDBCounter int
var testDBCounterMu sync.Mutex

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	testDBCounterMu.Lock()
	testDBCounter++
	n := testDBCounter
	testDBCounterMu.Unlock()
	raw, err := dbutil.NewFromConfig("test", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3",
			URI:          fmt.Sprintf("file:bridgepkgtest%d?mode=memory&cache=shared&_txlock=immediate", n),
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
	}, dbutil.ZeroLogger(zerolog.Nop()))
	require.NoError(t, err)
	db := database.New(raw)
	require.NoError(t, db.Upgrade(context.Background()))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// sentEvent records one SendMessage call on the mock homeserver.
type sentEvent struct {
	RoomID  id.RoomID
	Type    event.Type
	Content map[string]any
	As      id.UserID
}

// mockMatrix implements MatrixAPI in memory. Zero value works; override
// individual funcs for special behavior.
type mockMatrix struct {
	mu          sync.Mutex
	sent        []sentEvent
	redacted    []id.EventID
	stateWrites int
	state       map[id.RoomID]kstate.KState
	relations   map[id.EventID][]*event.Event
	nextID      int

	createRoomFunc func(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	uploadFunc     func(ctx context.Context, path string) (id.ContentURI, error)
}

func (m *mockMatrix) genEventID() id.EventID {
	m.nextID++
	return id.EventID(fmt.Sprintf("$mock-%d", m.nextID))
}

func (m *mockMatrix) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	if m.createRoomFunc != nil {
		return m.createRoomFunc(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return id.RoomID(fmt.Sprintf("!mock-%d:example.test", m.nextID)), nil
}

func (m *mockMatrix) SendState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) (id.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		m.state = make(map[id.RoomID]kstate.KState)
	}
	if m.state[roomID] == nil {
		m.state[roomID] = make(kstate.KState)
	}
	if c, ok := content.(map[string]any); ok {
		m.state[roomID][evtType.Type+"/"+stateKey] = c
	}
	m.stateWrites++
	return m.genEventID(), nil
}

func (m *mockMatrix) stateWriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateWrites
}

func (m *mockMatrix) SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any, as id.UserID, ts time.Time) (id.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, _ := content.(map[string]any)
	m.sent = append(m.sent, sentEvent{RoomID: roomID, Type: evtType, Content: c, As: as})
	return m.genEventID(), nil
}

func (m *mockMatrix) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, as id.UserID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redacted = append(m.redacted, eventID)
	return nil
}

func (m *mockMatrix) GetStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string) (kstate.Content, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.state[roomID][evtType.Type+"/"+stateKey]
	return content, ok, nil
}

func (m *mockMatrix) GetAllState(ctx context.Context, roomID id.RoomID) (kstate.KState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(kstate.KState, len(m.state[roomID]))
	for k, v := range m.state[roomID] {
		out[k] = v
	}
	return out, nil
}

func (m *mockMatrix) GetFullRelations(ctx context.Context, roomID id.RoomID, eventID id.EventID, relType event.RelationType) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relations[eventID], nil
}

func (m *mockMatrix) GetFullHierarchy(ctx context.Context, spaceID id.RoomID) ([]id.RoomID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var children []id.RoomID
	for key := range m.state[spaceID] {
		if stateKey, ok := strings.CutPrefix(key, "m.space.child/"); ok && stateKey != "" {
			children = append(children, id.RoomID(stateKey))
		}
	}
	return children, nil
}

func (m *mockMatrix) EnsureRegistered(ctx context.Context, mxid id.UserID) error { return nil }
func (m *mockMatrix) EnsureJoined(ctx context.Context, roomID id.RoomID, mxid id.UserID) error {
	return nil
}
func (m *mockMatrix) Profile(ctx context.Context, mxid id.UserID) (string, id.ContentURI, error) {
	localpart, _, _ := mxid.Parse()
	return localpart, id.ContentURI{}, nil
}

func (m *mockMatrix) SetDisplayName(ctx context.Context, mxid id.UserID, name string) error {
	return nil
}
func (m *mockMatrix) SetAvatarURL(ctx context.Context, mxid id.UserID, avatar id.ContentURI) error {
	return nil
}

func (m *mockMatrix) UploadFile(ctx context.Context, path string) (id.ContentURI, error) {
	if m.uploadFunc != nil {
		return m.uploadFunc(ctx, path)
	}
	return id.ContentURI{Homeserver: "example.test", FileID: "uploaded"}, nil
}

func (m *mockMatrix) BotMXID() id.UserID {
	return id.UserID("@discordbot:example.test")
}

func (m *mockMatrix) sentEvents() []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentEvent, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockMatrix) redactedEvents() []id.EventID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]id.EventID, len(m.redacted))
	copy(out, m.redacted)
	return out
}

// mockDiscord implements DiscordAPI with canned data.
type mockDiscord struct {
	mu       sync.Mutex
	guilds   map[string]*discordgo.Guild
	channels map[string]*discordgo.Channel
	users    map[string]*discordgo.User
	messages map[string]*discordgo.Message
	voters   map[int][]*discordgo.User

	addedReactions   []string
	removedReactions []string

	webhooks []*discordgo.Webhook

	executeWebhookFunc func(ctx context.Context, webhookID, token, threadID string, params *discordgo.WebhookParams) (*discordgo.Message, error)
}

func (m *mockDiscord) Guild(guildID string) (*discordgo.Guild, error) {
	if g, ok := m.guilds[guildID]; ok {
		return g, nil
	}
	return &discordgo.Guild{ID: guildID, Name: "Test Guild"}, nil
}

func (m *mockDiscord) Channel(channelID string) (*discordgo.Channel, error) {
	if c, ok := m.channels[channelID]; ok {
		return c, nil
	}
	return &discordgo.Channel{ID: channelID, Name: "general", Type: discordgo.ChannelTypeGuildText}, nil
}

func (m *mockDiscord) User(ctx context.Context, userID string) (*discordgo.User, error) {
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return &discordgo.User{ID: userID, Username: "user" + userID}, nil
}

func (m *mockDiscord) GetMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	if msg, ok := m.messages[messageID]; ok {
		return msg, nil
	}
	return nil, fmt.Errorf("unknown message %s", messageID)
}

func (m *mockDiscord) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, messageID)
	return nil
}

func (m *mockDiscord) CreateWebhook(ctx context.Context, channelID, name string) (*discordgo.Webhook, error) {
	return &discordgo.Webhook{ID: "wh-" + channelID, Token: "token", ChannelID: channelID}, nil
}

func (m *mockDiscord) ChannelWebhooks(ctx context.Context, channelID string) ([]*discordgo.Webhook, error) {
	return m.webhooks, nil
}

func (m *mockDiscord) ExecuteWebhook(ctx context.Context, webhookID, token, threadID string, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	if m.executeWebhookFunc != nil {
		return m.executeWebhookFunc(ctx, webhookID, token, threadID, params)
	}
	return &discordgo.Message{ID: "sent-message"}, nil
}

func (m *mockDiscord) EditWebhookMessage(ctx context.Context, webhookID, token, threadID, messageID string, params *discordgo.WebhookEdit) (*discordgo.Message, error) {
	return &discordgo.Message{ID: messageID}, nil
}

func (m *mockDiscord) DeleteWebhookMessage(ctx context.Context, webhookID, token, threadID, messageID string) error {
	return nil
}

func (m *mockDiscord) AddOwnReaction(ctx context.Context, channelID, messageID, emojiAPIName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addedReactions = append(m.addedReactions, emojiAPIName)
	return nil
}

func (m *mockDiscord) RemoveOwnReaction(ctx context.Context, channelID, messageID, emojiAPIName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedReactions = append(m.removedReactions, emojiAPIName)
	return nil
}

func (m *mockDiscord) PollAnswerVoters(ctx context.Context, channelID, messageID string, answerID int) ([]*discordgo.User, error) {
	return m.voters[answerID], nil
}

func (m *mockDiscord) BotUserID() string { return "bot-user" }

func testConfig() *Config {
	cfg := &Config{}
	cfg.Homeserver.Address = "http://localhost:8008"
	cfg.Homeserver.Domain = "example.test"
	cfg.Appservice.BotLocalpart = "discordbot"
	cfg.applyDefaults()
	return cfg
}

func newTestBridge(t *testing.T) (*Bridge, *mockMatrix, *mockDiscord) {
	t.Helper()
	matrix := &mockMatrix{}
	discord := &mockDiscord{}
	br := New(zerolog.Nop(), testConfig(), newTestDB(t), matrix, discord)
	return br, matrix, discord
}
