// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kstate

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"maunium.net/go/mautrix/id"
)

type fakeUploader struct {
	uploads map[string]string
}

func (f *fakeUploader) UploadFile(_ context.Context, path string) (id.ContentURI, error) {
	uri, _ := id.ParseContentURI(f.uploads[path])
	return uri, nil
}

func TestSplitKey(t *testing.T) {
	t.Parallel()
	evtType, stateKey, err := SplitKey("m.room.member/@user:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if evtType != "m.room.member" || stateKey != "@user:example.org" {
		t.Errorf("got (%q, %q)", evtType, stateKey)
	}

	evtType, stateKey, err = SplitKey("m.room.name/")
	if err != nil {
		t.Fatal(err)
	}
	if evtType != "m.room.name" || stateKey != "" {
		t.Errorf("got (%q, %q)", evtType, stateKey)
	}

	if _, _, err = SplitKey("m.room.name"); err == nil {
		t.Error("expected error for key without separator")
	}
}

func TestSplitKey_SplitsOnFirstSlash(t *testing.T) {
	t.Parallel()
	evtType, stateKey, err := SplitKey("m.space.child/!a/b:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if evtType != "m.space.child" || stateKey != "!a/b:example.org" {
		t.Errorf("got (%q, %q)", evtType, stateKey)
	}
}

func TestStripConditionals(t *testing.T) {
	t.Parallel()
	k := KState{
		"m.room.name/":       {"name": "general", "$if": true},
		"m.room.topic/":      {"topic": "hi", "$if": false},
		"m.room.avatar/":     {"url": "mxc://x/y", "$if": ""},
		"m.room.join_rules/": {"join_rule": "invite"},
	}
	StripConditionals(k)
	want := KState{
		"m.room.name/":       {"name": "general"},
		"m.room.join_rules/": {"join_rule": "invite"},
	}
	if !reflect.DeepEqual(k, want) {
		t.Errorf("got %v, want %v", k, want)
	}
}

func TestUploadPending(t *testing.T) {
	t.Parallel()
	k := KState{
		"m.room.avatar/": {
			"url": map[string]any{"$url": "avatars/guild.png"},
			"info": map[string]any{
				"thumbnail_url": map[string]any{"$url": "avatars/thumb.png"},
			},
		},
		"m.room.name/": {"name": "general"},
	}
	uploader := &fakeUploader{uploads: map[string]string{
		"avatars/guild.png": "mxc://bridge/abc",
		"avatars/thumb.png": "mxc://bridge/def",
	}}
	if err := UploadPending(context.Background(), k, uploader); err != nil {
		t.Fatal(err)
	}
	if got := k["m.room.avatar/"]["url"]; got != "mxc://bridge/abc" {
		t.Errorf("url = %v", got)
	}
	info := k["m.room.avatar/"]["info"].(map[string]any)
	if got := info["thumbnail_url"]; got != "mxc://bridge/def" {
		t.Errorf("thumbnail_url = %v", got)
	}
}

func TestUploadPending_ManySiblingMarkers(t *testing.T) {
	t.Parallel()
	content := Content{}
	uploads := make(map[string]string, 50)
	for i := 0; i < 50; i++ {
		path := fmt.Sprintf("emoji/%d.png", i)
		content[fmt.Sprintf("emoji_%d", i)] = map[string]any{"$url": path}
		uploads[path] = fmt.Sprintf("mxc://bridge/%d", i)
	}
	k := KState{"fi.mau.emoji.pack/pack": content}
	if err := UploadPending(context.Background(), k, &fakeUploader{uploads: uploads}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if got := content[fmt.Sprintf("emoji_%d", i)]; got != fmt.Sprintf("mxc://bridge/%d", i) {
			t.Fatalf("emoji_%d = %v", i, got)
		}
	}
}

func TestToStateEvents_SkipsCreate(t *testing.T) {
	t.Parallel()
	k := KState{
		"m.room.create/": {"room_version": "12"},
		"m.room.name/":   {"name": "general"},
	}
	list, err := ToStateEvents(context.Background(), k, &fakeUploader{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d events, want 1", len(list))
	}
	if list[0].Type.Type != "m.room.name" || list[0].StateKey != "" {
		t.Errorf("got %s/%s", list[0].Type.Type, list[0].StateKey)
	}
}

func TestToStateEvents_BadKey(t *testing.T) {
	t.Parallel()
	_, err := ToStateEvents(context.Background(), KState{"nonsense": {}}, &fakeUploader{})
	if err == nil {
		t.Error("expected error for key without separator")
	}
}
