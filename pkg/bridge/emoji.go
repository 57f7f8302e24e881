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
	"go.mau.fi/util/variationselector"
)

// discordQualified maps emoji that Discord's reaction endpoint only
// accepts fully qualified, even though stripping variation selectors is
// correct for every other emoji. Keycap sequences break without the
// FE0F, so they are restored after the generic strip.
var discordQualified = map[string]string{
	"#⃣": "#️⃣",
	"*⃣": "*️⃣",
	"0⃣": "0️⃣",
	"1⃣": "1️⃣",
	"2⃣": "2️⃣",
	"3⃣": "3️⃣",
	"4⃣": "4️⃣",
	"5⃣": "5️⃣",
	"6⃣": "6️⃣",
	"7⃣": "7️⃣",
	"8⃣": "8️⃣",
	"9⃣": "9️⃣",
}

// emojiToKey converts a Discord reaction emoji to the Matrix annotation
// key. Custom emoji become an mxc URI of the uploaded image; unicode
// emoji are fully qualified so they group with client-sent reactions.
// An empty return means the emoji could not be resolved and the reaction
// should be skipped.
func (br *Bridge) emojiToKey(ctx context.Context, emoji *discordgo.Emoji) string {
	if emoji == nil || emoji.Name == "" {
		return ""
	}
	if emoji.ID == "" {
		return variationselector.Add(emoji.Name)
	}
	ext := "png"
	if emoji.Animated {
		ext = "gif"
	}
	uri, err := br.Matrix.UploadFile(ctx,
		fmt.Sprintf("https://cdn.discordapp.com/emojis/%s.%s", emoji.ID, ext))
	if err != nil {
		br.Log.Warn().Err(err).
			Str("emoji_id", emoji.ID).Str("emoji_name", emoji.Name).
			Msg("Failed to upload custom emoji, skipping reaction")
		return ""
	}
	return uri.String()
}

// keyToEmojiAPIName converts a Matrix annotation key into the emoji
// parameter Discord's reaction endpoints expect: `name:id` for custom
// emoji, the (mostly) unqualified codepoints for unicode. Custom emoji
// are resolved by shortcode name against the guild's emoji list; mxc
// keys and unknown shortcodes return empty, meaning the reaction cannot
// be mirrored and is dropped for that item.
func (br *Bridge) keyToEmojiAPIName(key, guildID string) string {
	if key == "" {
		return ""
	}
	if strings.HasPrefix(key, "mxc://") {
		return ""
	}
	if strings.HasPrefix(key, ":") && strings.HasSuffix(key, ":") && len(key) > 2 {
		name := key[1 : len(key)-1]
		guild, err := br.Discord.Guild(guildID)
		if err != nil || guild == nil {
			return ""
		}
		for _, emoji := range guild.Emojis {
			if emoji.Name == name {
				return emoji.APIName()
			}
		}
		return ""
	}
	return discordEmojiName(key)
}

// discordEmojiName strips variation selectors the way Discord's API
// wants them, then restores the curated exceptions.
func discordEmojiName(unicode string) string {
	stripped := variationselector.Remove(unicode)
	if qualified, ok := discordQualified[stripped]; ok {
		return qualified
	}
	return stripped
}
