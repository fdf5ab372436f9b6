// Package chat delivers outbound chat best-effort: a dispatcher goroutine
// routes messages to one worker goroutine per target, each transmitting its
// FIFO queue with a minimum inter-send delay. Nothing here is persisted.
package chat

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
)

// MaxChat is the longest single chat line the server accepts.
const MaxChat = 200

const privatePrefix = "/msg "

// Channel returns the dispatcher target key for a channel.
func Channel(name string) string { return name }

// Private returns the dispatcher target key for a single recipient.
func Private(uid gameapi.UserID) string {
	return privatePrefix + strconv.Itoa(int(uid))
}

// formatLines turns cleaned text into the raw lines submitted to the server,
// one per over-length chunk, each carrying the target prefix (and emote
// marker when set).
func formatLines(target, text string, emote bool) []string {
	text = cleanText(text, emote)
	var prefix string
	if strings.HasPrefix(target, privatePrefix) {
		prefix = target + " "
	} else {
		prefix = "/" + target + " "
	}
	if emote {
		prefix += "/me "
	}

	budget := MaxChat - len(prefix)
	if budget < 20 {
		budget = 20
	}
	var lines []string
	for _, chunk := range splitChat(text, budget) {
		lines = append(lines, prefix+chunk)
	}
	return lines
}

// cleanText strips control characters, and in emote mode any leading command
// markers so user text cannot smuggle a slash command.
func cleanText(text string, emote bool) string {
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)
	if emote {
		for strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!") {
			text = strings.TrimSpace(text[1:])
		}
	}
	return text
}

// splitChat chunks text on whitespace with continuation markers, the same
// shape as the mail splitter but sized for chat lines.
func splitChat(text string, budget int) []string {
	r := []rune(text)
	if len(r) <= budget {
		return []string{text}
	}
	inner := budget - len("... ") - len("...")
	var raw []string
	for len(r) > inner {
		cut := -1
		for i := inner; i > 0; i-- {
			if unicode.IsSpace(r[i]) {
				cut = i
				break
			}
		}
		if cut < 0 {
			raw = append(raw, string(r[:inner]))
			r = r[inner:]
			continue
		}
		raw = append(raw, string(r[:cut]))
		r = r[cut+1:]
	}
	if len(r) > 0 {
		raw = append(raw, string(r))
	}

	out := make([]string, len(raw))
	for i, s := range raw {
		if i > 0 {
			s = "... " + s
		}
		if i < len(raw)-1 {
			s = s + "..."
		}
		out[i] = s
	}
	return out
}

// unreachableNotice is the single announcement fired on the main channel when
// a target stops accepting sends.
func unreachableNotice(target string) string {
	return fmt.Sprintf("Target %s is unreachable, dropping queued chats.", strings.TrimPrefix(target, privatePrefix))
}
