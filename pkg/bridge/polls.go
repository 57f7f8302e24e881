// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/semaphore"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

// voteSettleDelay is how long a user's vote state must be quiet before
// the combined poll.response is sent. Discord delivers one gateway event
// per toggled answer, so a multi-select change arrives as a burst.
const voteSettleDelay = time.Second

type voteKey struct {
	userID    string
	messageID string
}

// voteScheduler coalesces vote gateway events into one Matrix
// poll.response per (user, message) burst. The database accumulator is
// updated immediately; the response reads the latest state at send time,
// so collapsed events lose nothing.
type voteScheduler struct {
	br     *Bridge
	settle time.Duration

	mu        sync.Mutex
	scheduled map[voteKey]bool
	sems      map[voteKey]*semaphore.Weighted
}

func newVoteScheduler(br *Bridge) *voteScheduler {
	return &voteScheduler{
		br:        br,
		settle:    voteSettleDelay,
		scheduled: make(map[voteKey]bool),
		sems:      make(map[voteKey]*semaphore.Weighted),
	}
}

func (vs *voteScheduler) sem(key voteKey) *semaphore.Weighted {
	if s, ok := vs.sems[key]; ok {
		return s
	}
	s := semaphore.NewWeighted(1)
	vs.sems[key] = s
	return s
}

// Schedule queues a response send after the settle delay. A burst of
// events for the same (user, message) schedules exactly one send.
func (vs *voteScheduler) Schedule(userID, messageID string) {
	key := voteKey{userID, messageID}
	vs.mu.Lock()
	if vs.scheduled[key] {
		vs.mu.Unlock()
		return
	}
	vs.scheduled[key] = true
	sem := vs.sem(key)
	vs.mu.Unlock()

	go func() {
		time.Sleep(vs.settle)
		vs.mu.Lock()
		delete(vs.scheduled, key)
		vs.mu.Unlock()

		ctx := context.Background()
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer sem.Release(1)
		if err := vs.br.sendVoteResponse(ctx, userID, messageID); err != nil {
			vs.br.Log.Err(err).Str("user_id", userID).Str("message_id", messageID).
				Msg("Failed to send poll response")
		}
	}()
}

// RegisterPoll stores the poll and its option mapping when a poll
// message is first bridged.
func (br *Bridge) RegisterPoll(ctx context.Context, msg *discordgo.Message) error {
	if msg.Poll == nil {
		return nil
	}
	maxSelections := 1
	if msg.Poll.AllowMultiselect {
		maxSelections = len(msg.Poll.Answers)
	}
	poll := &database.Poll{
		MessageID:     msg.ID,
		MaxSelections: maxSelections,
		QuestionText:  msg.Poll.Question.Text,
	}
	options := make([]*database.PollOption, len(msg.Poll.Answers))
	for i, answer := range msg.Poll.Answers {
		text := ""
		if answer.Media != nil {
			text = answer.Media.Text
		}
		options[i] = &database.PollOption{
			MessageID:     msg.ID,
			MatrixOption:  MatrixOptionID(answer.AnswerID),
			DiscordOption: strconv.Itoa(answer.AnswerID),
			OptionText:    text,
			Seq:           i,
		}
	}
	return br.DB.Poll.Insert(ctx, poll, options)
}

// HandlePollVoteAdd records one toggled-on answer and schedules the
// combined response. Votes on unbridged polls are silent no-ops.
func (br *Bridge) HandlePollVoteAdd(ctx context.Context, evt *discordgo.MessagePollVoteAdd) error {
	poll, err := br.DB.Poll.Get(ctx, evt.MessageID)
	if err != nil || poll == nil {
		return err
	}
	err = br.DB.Poll.AddVote(ctx, evt.UserID, evt.MessageID, MatrixOptionID(evt.AnswerID))
	if err != nil {
		return err
	}
	br.votes.Schedule(evt.UserID, evt.MessageID)
	return nil
}

// HandlePollVoteRemove mirrors HandlePollVoteAdd for toggled-off answers.
func (br *Bridge) HandlePollVoteRemove(ctx context.Context, evt *discordgo.MessagePollVoteRemove) error {
	poll, err := br.DB.Poll.Get(ctx, evt.MessageID)
	if err != nil || poll == nil {
		return err
	}
	err = br.DB.Poll.RemoveVote(ctx, evt.UserID, evt.MessageID, MatrixOptionID(evt.AnswerID))
	if err != nil {
		return err
	}
	br.votes.Schedule(evt.UserID, evt.MessageID)
	return nil
}

// sendVoteResponse reads the user's current vote set and sends one
// poll.response referencing the poll start event.
func (br *Bridge) sendVoteResponse(ctx context.Context, userID, messageID string) error {
	primary, room, err := br.pollTarget(ctx, messageID)
	if err != nil || primary == nil {
		return err
	}
	answers, err := br.DB.Poll.GetVotes(ctx, userID, messageID)
	if err != nil {
		return err
	}
	user, err := br.Discord.User(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to fetch voting user: %w", err)
	}
	sim, err := br.EnsureSim(ctx, user)
	if err != nil {
		return err
	}
	if err = br.Matrix.EnsureJoined(ctx, room.RoomID, sim.MXID); err != nil {
		return err
	}
	content := map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": "m.reference",
			"event_id": primary.EventID.String(),
		},
		"org.matrix.msc3381.poll.response": map[string]any{
			"answers": answers,
		},
	}
	_, err = br.Matrix.SendMessage(ctx, room.RoomID, pollResponseType, content, sim.MXID, time.Now())
	return err
}

// ClosePoll reacts to the poll-expired message update: reconcile local
// vote state against Discord's authoritative results, then emit the
// poll.end event.
func (br *Bridge) ClosePoll(ctx context.Context, msg *discordgo.Message) error {
	poll, err := br.DB.Poll.Get(ctx, msg.ID)
	if err != nil || poll == nil || poll.IsClosed {
		return err
	}
	if err = br.DB.Poll.SetClosed(ctx, msg.ID); err != nil {
		return err
	}
	if err = br.reconcileVotes(ctx, msg); err != nil {
		return err
	}

	primary, room, err := br.pollTarget(ctx, msg.ID)
	if err != nil || primary == nil {
		return err
	}
	content := map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": "m.reference",
			"event_id": primary.EventID.String(),
		},
		"org.matrix.msc3381.poll.end": map[string]any{},
	}
	_, err = br.Matrix.SendMessage(ctx, room.RoomID, pollEndType, content, br.Matrix.BotMXID(), time.Now())
	return err
}

// reconcileVotes compares the local vote count with Discord's final
// tally. When they agree the cache is trusted; when they disagree (the
// bridge was down for some vote events) the per-answer voter lists are
// fetched and applied, re-emitting responses only for users whose set
// actually changed.
func (br *Bridge) reconcileVotes(ctx context.Context, msg *discordgo.Message) error {
	if msg.Poll == nil || msg.Poll.Results == nil {
		return nil
	}
	discordTotal := 0
	for _, count := range msg.Poll.Results.AnswerCounts {
		discordTotal += count.Count
	}
	localCount, err := br.DB.Poll.CountVotes(ctx, msg.ID)
	if err != nil {
		return err
	}
	if localCount == discordTotal {
		return nil
	}
	br.Log.Info().Str("message_id", msg.ID).
		Int("local", localCount).Int("discord", discordTotal).
		Msg("Poll vote counts disagree, fetching authoritative voter lists")

	authoritative := make(map[string][]string)
	for _, answer := range msg.Poll.Answers {
		voters, err := br.Discord.PollAnswerVoters(ctx, msg.ChannelID, msg.ID, answer.AnswerID)
		if err != nil {
			return fmt.Errorf("failed to fetch voters for answer %d: %w", answer.AnswerID, err)
		}
		option := MatrixOptionID(answer.AnswerID)
		for _, voter := range voters {
			authoritative[voter.ID] = append(authoritative[voter.ID], option)
		}
	}

	cached, err := br.DB.Poll.GetAllVotes(ctx, msg.ID)
	if err != nil {
		return err
	}
	for userID, options := range authoritative {
		if sameVoteSet(cached[userID], options) {
			continue
		}
		if err = br.DB.Poll.ReplaceVotes(ctx, userID, msg.ID, options); err != nil {
			return err
		}
		if err = br.sendVoteResponse(ctx, userID, msg.ID); err != nil {
			return err
		}
	}
	// Leftover cached voters Discord no longer reports voted and
	// unvoted while the bridge was away.
	for userID := range cached {
		if _, ok := authoritative[userID]; ok {
			continue
		}
		if err = br.DB.Poll.ReplaceVotes(ctx, userID, msg.ID, nil); err != nil {
			return err
		}
		if err = br.sendVoteResponse(ctx, userID, msg.ID); err != nil {
			return err
		}
	}
	return nil
}

// pollTarget resolves the poll start event row and its room. Either
// return being nil means the poll is not (or no longer) bridged.
func (br *Bridge) pollTarget(ctx context.Context, messageID string) (*database.EventPart, *database.ChannelRoom, error) {
	primary, err := br.DB.EventMessage.GetPrimary(ctx, messageID)
	if err != nil || primary == nil {
		return nil, nil, err
	}
	room, err := br.DB.ChannelRoom.GetByChannel(ctx, primary.ChannelID)
	if err != nil || room == nil {
		return nil, nil, err
	}
	return primary, room, nil
}

func sameVoteSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
