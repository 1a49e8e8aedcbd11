package chzzk

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/you/chzzk-deck/internal/core"
)

// stubbed in tests
var timeNow = time.Now

// profile is the decoded author metadata. The server double-encodes it as a
// JSON string inside most frames but has been seen sending plain objects too.
type profile struct {
	Nickname        string `json:"nickname"`
	UserRoleCode    string `json:"userRoleCode"`
	ProfileImageURL string `json:"profileImageUrl"`
	VerifiedMark    bool   `json:"verifiedMark"`
	Title           *struct {
		Name string `json:"name"`
	} `json:"title"`
	ActivityBadges []struct {
		BadgeID  string `json:"badgeId"`
		ImageURL string `json:"imageUrl"`
	} `json:"activityBadges"`
}

type extras struct {
	Emojis    map[string]string `json:"emojis"`
	PayAmount int64             `json:"payAmount"`
}

// normalizeEntry converts one raw batch entry into a ChatMessage. It returns
// false for entries that produce no output: empty bodies and undecodable
// entries. Sub-field parse failures degrade to absent fields instead.
func normalizeEntry(raw json.RawMessage, kind string) (core.ChatMessage, bool) {
	var entry batchEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return core.ChatMessage{}, false
	}

	text := strings.TrimSpace(entry.Msg)
	if text == "" {
		text = strings.TrimSpace(entry.Content)
	}
	if text == "" {
		return core.ChatMessage{}, false
	}

	prof := decodeProfile(entry.Profile)
	ext := decodeExtras(entry.Extras)

	msg := core.ChatMessage{
		ID:        entry.MsgID,
		Kind:      kind,
		Ts:        timeNow().UTC(),
		Author:    core.AnonymousAuthor,
		Text:      text,
		Role:      prof.UserRoleCode,
		Streamer:  prof.UserRoleCode == "streamer",
		Verified:  prof.VerifiedMark,
		AvatarURL: prof.ProfileImageURL,
	}

	if n := strings.TrimSpace(prof.Nickname); n != "" {
		msg.Author = n
	}

	if msg.ID == "" {
		if entry.UID != "" && entry.MsgTime > 0 {
			msg.ID = fmt.Sprintf("%s-%d", entry.UID, entry.MsgTime)
		} else {
			msg.ID = uuid.NewString()
		}
	}

	// Profile badges first, verified mark last.
	if prof.Title != nil && prof.Title.Name != "" {
		msg.Badges = append(msg.Badges, prof.Title.Name)
	}
	for _, b := range prof.ActivityBadges {
		switch {
		case b.BadgeID != "":
			msg.Badges = append(msg.Badges, b.BadgeID)
		case b.ImageURL != "":
			msg.Badges = append(msg.Badges, b.ImageURL)
		}
	}
	if prof.VerifiedMark {
		msg.Badges = append(msg.Badges, "verified")
	}

	if len(ext.Emojis) > 0 {
		tokens := make([]string, 0, len(ext.Emojis))
		for token := range ext.Emojis {
			tokens = append(tokens, token)
		}
		sort.Strings(tokens)
		for _, token := range tokens {
			msg.Emotes = append(msg.Emotes, core.Emote{Token: token, URL: ext.Emojis[token]})
		}
	}

	if kind == core.KindDonation {
		msg.PayAmount = entry.PayAmount
		if msg.PayAmount == 0 {
			msg.PayAmount = ext.PayAmount
		}
	} else if entry.PayAmount > 0 || ext.PayAmount > 0 {
		// Some donation payloads ride on the chat command.
		msg.Kind = core.KindDonation
		msg.PayAmount = entry.PayAmount
		if msg.PayAmount == 0 {
			msg.PayAmount = ext.PayAmount
		}
	}

	return msg, true
}

// decodeProfile tolerates all observed shapes: a JSON string containing an
// object, a plain object, null, or garbage. Failures yield a zero profile.
func decodeProfile(raw json.RawMessage) profile {
	var p profile
	if len(raw) == 0 {
		return p
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return p
		}
		_ = json.Unmarshal([]byte(asString), &p)
		return p
	}
	_ = json.Unmarshal(raw, &p)
	return p
}

func decodeExtras(raw json.RawMessage) extras {
	var e extras
	if len(raw) == 0 {
		return e
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return e
		}
		_ = json.Unmarshal([]byte(asString), &e)
		return e
	}
	_ = json.Unmarshal(raw, &e)
	return e
}
