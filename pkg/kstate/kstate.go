// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package kstate models Matrix room state as a flat map keyed by
// "type/state_key" and computes minimal diffs between an actual and a
// desired state. All functions are pure data transforms; the only I/O is
// media upload, which is injected via the Uploader interface.
package kstate

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Content is the content object of a single state event.
type Content = map[string]any

// KState is a flattened room state: "type/state_key" -> content.
// A key always contains at least one slash; an empty trailing segment
// denotes the empty state key.
type KState = map[string]Content

// Reserved content properties understood by this package.
const (
	// condKey marks conditional inclusion: falsy deletes the entry,
	// truthy keeps it with the marker removed.
	condKey = "$if"
	// urlKey marks a local path that must be uploaded and replaced with
	// an mxc URI before the kstate is usable as real state.
	urlKey = "$url"
)

// StateEvent is one entry of an expanded state event list.
type StateEvent struct {
	Type     event.Type
	StateKey string
	Content  Content
}

// Uploader resolves a local media path to a Matrix content URI.
type Uploader interface {
	UploadFile(ctx context.Context, path string) (id.ContentURI, error)
}

// SplitKey splits a kstate key into event type and state key on the first
// slash. Returns an error for keys with no slash, which indicates a
// programmer error in the caller.
func SplitKey(key string) (eventType, stateKey string, err error) {
	idx := strings.Index(key, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("kstate key %q has no type/state_key separator", key)
	}
	return key[:idx], key[idx+1:], nil
}

// StripConditionals removes $if markers in place. Entries whose $if value
// is falsy are deleted; for the rest only the marker is removed. Not
// recursive: only top-level content objects are inspected.
func StripConditionals(k KState) KState {
	for key, content := range k {
		cond, ok := content[condKey]
		if !ok {
			continue
		}
		if truthy(cond) {
			delete(content, condKey)
		} else {
			delete(k, key)
		}
	}
	return k
}

// UploadPending recursively walks the kstate looking for {$url: path}
// markers and replaces each marked object with the uploaded content URI.
// All uploads run concurrently; the call returns once every upload has
// finished or any has failed. Marker sites are collected before any
// upload starts and replacements are applied after all uploads finish,
// so the maps are never mutated while being walked.
func UploadPending(ctx context.Context, k KState, uploader Uploader) error {
	var sites []pendingUpload
	for _, content := range k {
		sites = collectPending(content, sites)
	}
	uris := make([]id.ContentURI, len(sites))
	group, ctx := errgroup.WithContext(ctx)
	for i, site := range sites {
		group.Go(func() error {
			uri, err := uploader.UploadFile(ctx, site.path)
			if err != nil {
				return fmt.Errorf("uploading %s: %w", site.path, err)
			}
			uris[i] = uri
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	for i, site := range sites {
		site.parent[site.prop] = uris[i].String()
	}
	return nil
}

// pendingUpload is one $url marker site: the map holding the marker
// object and the property it sits under.
type pendingUpload struct {
	parent map[string]any
	prop   string
	path   string
}

func collectPending(m map[string]any, sites []pendingUpload) []pendingUpload {
	for prop, value := range m {
		child, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if path, ok := child[urlKey].(string); ok && len(child) == 1 {
			sites = append(sites, pendingUpload{parent: m, prop: prop, path: path})
			continue
		}
		sites = collectPending(child, sites)
	}
	return sites
}

// FromEvents flattens a state event list into a KState. Later events
// overwrite earlier ones with the same (type, state_key).
func FromEvents(events []*event.Event) KState {
	k := make(KState, len(events))
	for _, evt := range events {
		stateKey := ""
		if evt.StateKey != nil {
			stateKey = *evt.StateKey
		}
		k[evt.Type.Type+"/"+stateKey] = evt.Content.Raw
	}
	return k
}

// ToStateEvents strips conditionals, resolves pending uploads, then
// expands the kstate into a state event list. The immutable
// m.room.create entry is skipped since it can only be set at creation.
func ToStateEvents(ctx context.Context, k KState, uploader Uploader) ([]StateEvent, error) {
	StripConditionals(k)
	if err := UploadPending(ctx, k, uploader); err != nil {
		return nil, err
	}
	list := make([]StateEvent, 0, len(k))
	for key, content := range k {
		evtType, stateKey, err := SplitKey(key)
		if err != nil {
			return nil, err
		}
		if evtType == event.StateCreate.Type {
			continue
		}
		list = append(list, StateEvent{
			Type:     event.Type{Type: evtType, Class: event.StateEventType},
			StateKey: stateKey,
			Content:  content,
		})
	}
	return list, nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

// deepEqual compares two content values structurally.
func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
