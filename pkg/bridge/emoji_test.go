// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"testing"
)

func TestDiscordEmojiName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "\U0001f44d", "\U0001f44d"},
		{"qualified heart stripped", "❤️", "❤"},
		{"keycap keeps selector", "3️⃣", "3️⃣"},
		{"bare keycap requalified", "#⃣", "#️⃣"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := discordEmojiName(tc.in); got != tc.want {
				t.Errorf("discordEmojiName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
