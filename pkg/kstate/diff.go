// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kstate

import (
	"fmt"
	"strconv"

	"maunium.net/go/mautrix/event"
)

var (
	powerLevelsKey = event.StatePowerLevels.Type + "/"
	createKey      = event.StateCreate.Type + "/"
	topicKey       = event.StateTopic.Type + "/"
)

// Diff computes the kstate subset that must be written to transform
// actual into target. The diff is additive only: keys present in actual
// but absent from target are never emitted, so state removal is not
// modeled. Power levels are merged rather than replaced, the create
// event is immutable and never emitted, and topics are compared on the
// normalized topic field only to tolerate homeserver-injected defaults.
func Diff(actual, target KState) (KState, error) {
	diff := make(KState)
	for key, targetContent := range target {
		if _, _, err := SplitKey(key); err != nil {
			return nil, err
		}
		switch key {
		case createKey:
			// Immutable after creation.
		case powerLevelsKey:
			merged, err := diffPowerLevels(actual, targetContent)
			if err != nil {
				return nil, err
			}
			if merged != nil {
				diff[key] = merged
			}
		case topicKey:
			actualTopic, _ := actual[key]["topic"].(string)
			targetTopic, _ := targetContent["topic"].(string)
			if actualTopic != targetTopic {
				diff[key] = targetContent
			}
		default:
			actualContent, ok := actual[key]
			if !ok || !deepEqual(actualContent, targetContent) {
				diff[key] = targetContent
			}
		}
	}
	return diff, nil
}

// diffPowerLevels deep-merges the actual power levels with the target,
// strips creator identities (implicit infinite power on room version 12
// and later), and returns the merged content, or nil when nothing
// changed. The caller must have fetched the actual power levels and
// create event first: diffing power levels blindly would drop every
// entry the target does not mention.
func diffPowerLevels(actual KState, target Content) (Content, error) {
	actualPL, ok := actual[powerLevelsKey]
	if !ok {
		return nil, fmt.Errorf("power level diff requested without the room's current power levels")
	}
	merged := mergeContent(actualPL, target)

	create, ok := actual[createKey]
	if !ok {
		return nil, fmt.Errorf("power level diff requested without the room's create event")
	}
	for _, creator := range roomCreators(create) {
		if users, ok := merged["users"].(map[string]any); ok {
			delete(users, creator)
		}
	}

	if deepEqual(merged, actualPL) {
		return nil, nil
	}
	return merged, nil
}

// roomCreators returns the user IDs with implicit creator power under the
// given create event content. Empty before room version 12.
func roomCreators(create Content) []string {
	version, _ := create["room_version"].(string)
	major, err := strconv.Atoi(version)
	if err != nil || major < 12 {
		return nil
	}
	var creators []string
	if sender, ok := create["creator"].(string); ok && sender != "" {
		creators = append(creators, sender)
	}
	if sender, ok := create["sender"].(string); ok && sender != "" {
		creators = append(creators, sender)
	}
	if extra, ok := create["additional_creators"].([]any); ok {
		for _, c := range extra {
			if s, ok := c.(string); ok {
				creators = append(creators, s)
			}
		}
	}
	return creators
}

// mergeContent deep-unions override onto base without mutating either.
// Nested maps merge recursively; everything else is replaced by the
// override value.
func mergeContent(base, override Content) Content {
	merged := make(Content, len(base)+len(override))
	for prop, value := range base {
		merged[prop] = copyValue(value)
	}
	for prop, value := range override {
		baseChild, baseOK := merged[prop].(map[string]any)
		overrideChild, overrideOK := value.(map[string]any)
		if baseOK && overrideOK {
			merged[prop] = mergeContent(baseChild, overrideChild)
		} else {
			merged[prop] = copyValue(value)
		}
	}
	return merged
}

func copyValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for prop, value := range m {
			out[prop] = copyValue(value)
		}
		return out
	}
	if s, ok := v.([]any); ok {
		out := make([]any, len(s))
		for i, value := range s {
			out[i] = copyValue(value)
		}
		return out
	}
	return v
}
