// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/database"
)

// immutableSubtypes are event shapes Discord cannot edit: attachments
// and stickers are add-only, so a matched pair of one of these never
// needs a replacement event.
func isImmutableSubtype(eventType, subtype string) bool {
	if eventType == event.EventSticker.Type {
		return true
	}
	switch subtype {
	case "m.image", "m.video", "m.audio", "m.file":
		return true
	}
	return false
}

// ReplacePair is one matched (old event, new content) pair from edit
// reconciliation.
type ReplacePair struct {
	Old *database.EventPart
	New *PendingEvent
	// Content is the full replacement event content: new fallback
	// content plus m.new_content and the m.replace relation.
	Content map[string]any
}

// EditChanges is the three-way partition computed for one edit, plus the
// primacy bookkeeping. Matched-but-immutable pairs land in Unchanged and
// are counted in neither the replace nor the redact bucket.
type EditChanges struct {
	ToRedact  []*database.EventPart
	ToSend    []*PendingEvent
	ToReplace []*ReplacePair
	Unchanged []*ReplacePair

	// PromotePart names an existing surviving event to promote to
	// part=0. When nil and PromotePartNextSent is set, the first newly
	// sent event takes part=0 instead. Both zero means the old primary
	// survived.
	PromotePart         *id.EventID
	PromotePartNextSent bool

	// Same bookkeeping for the reaction anchor (reaction_part=0), which
	// prefers the last / lowest-scoring event.
	PromoteReactionPart     *id.EventID
	PromoteReactionNextSent bool
}

// EditToChanges pairs the previously bridged events of a message against
// the freshly converted event list. Pairing is first-fit by (type,
// subtype) in new-list encounter order; a globally optimal matching is
// deliberately not attempted, matching the established behavior when
// several events share a shape.
func EditToChanges(oldRows []*database.EventPart, newEvents []*PendingEvent) *EditChanges {
	changes := &EditChanges{}

	remaining := make([]*database.EventPart, len(oldRows))
	copy(remaining, oldRows)

	var matched []*ReplacePair
	for _, newEvt := range newEvents {
		idx := -1
		for i, oldRow := range remaining {
			if oldRow.EventType == newEvt.Type.Type && oldRow.EventSubtype == newEvt.Subtype {
				idx = i
				break
			}
		}
		if idx < 0 {
			changes.ToSend = append(changes.ToSend, newEvt)
			continue
		}
		oldRow := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		matched = append(matched, &ReplacePair{Old: oldRow, New: newEvt})
	}
	changes.ToRedact = remaining

	for _, pair := range matched {
		if isImmutableSubtype(pair.Old.EventType, pair.Old.EventSubtype) {
			changes.Unchanged = append(changes.Unchanged, pair)
			continue
		}
		pair.Content = replacementContent(pair.Old.EventID, pair.New)
		changes.ToReplace = append(changes.ToReplace, pair)
	}

	computePromotions(changes, matched)
	return changes
}

// computePromotions restores the "exactly one part=0, exactly one
// reaction_part=0" invariant when the previous holder was redacted.
func computePromotions(changes *EditChanges, surviving []*ReplacePair) {
	primarySurvives := false
	anchorSurvives := false
	for _, pair := range surviving {
		if pair.Old.Part == 0 {
			primarySurvives = true
		}
		if pair.Old.ReactionPart == 0 {
			anchorSurvives = true
		}
	}

	if !primarySurvives {
		if best := pickByScore(surviving, true); best != nil {
			eventID := best.Old.EventID
			changes.PromotePart = &eventID
		} else {
			changes.PromotePartNextSent = true
		}
	}
	if !anchorSurvives {
		if worst := pickByScore(surviving, false); worst != nil {
			eventID := worst.Old.EventID
			changes.PromoteReactionPart = &eventID
		} else {
			changes.PromoteReactionNextSent = true
		}
	}
}

// partScore ranks events for primary promotion: message events beat
// non-messages, m.text beats other msgtypes.
func partScore(row *database.EventPart) int {
	score := 0
	if row.EventType == event.EventMessage.Type {
		score += 2
	}
	if row.EventSubtype == "m.text" {
		score++
	}
	return score
}

// pickByScore returns the highest-scoring pair (first wins ties) or,
// when highest is false, the lowest-scoring pair with last-wins ties
// for the reaction anchor.
func pickByScore(pairs []*ReplacePair, highest bool) *ReplacePair {
	var best *ReplacePair
	bestScore := 0
	for _, pair := range pairs {
		score := partScore(pair.Old)
		switch {
		case best == nil:
			best, bestScore = pair, score
		case highest && score > bestScore:
			best, bestScore = pair, score
		case !highest && score <= bestScore:
			best, bestScore = pair, score
		}
	}
	return best
}

// replacementContent builds the m.replace event content for a matched
// pair: the new fallback content spread at top level, m.new_content set
// to the inner content, and the relation pointing at the replaced event.
// Nested relations inside m.new_content are stripped since clients must
// ignore them.
func replacementContent(oldID id.EventID, newEvt *PendingEvent) map[string]any {
	content := make(map[string]any, len(newEvt.Content)+2)
	for k, v := range newEvt.Content {
		content[k] = v
	}
	if body, ok := content["body"].(string); ok {
		content["body"] = "* " + body
	}
	if formatted, ok := content["formatted_body"].(string); ok {
		content["formatted_body"] = "* " + formatted
	}

	inner := make(map[string]any, len(newEvt.Inner))
	for k, v := range newEvt.Inner {
		if k == "m.relates_to" {
			continue
		}
		inner[k] = v
	}
	content["m.new_content"] = inner
	content["m.relates_to"] = map[string]any{
		"rel_type": "m.replace",
		"event_id": oldID.String(),
	}
	return content
}
