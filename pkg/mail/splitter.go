package mail

import (
	"sort"
	"unicode"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
)

// Game-imposed limits on a single kmail.
const (
	// MaxText is the longest text one kmail may carry.
	MaxText = 1700
	// MaxItems is the most distinct item kinds one kmail may carry.
	MaxItems = 11
	// MaxTotal caps the total text of a reply before splitting; anything
	// beyond it is cut with a truncation marker.
	MaxTotal = 17000

	// Words longer than this are cut down before chunking.
	maxWordRunes = 1000

	truncationMarker = "(message truncated)"
	itemsOnlyText    = "(Extra items attached.)"
)

// continuation markers applied at chunk boundaries
const (
	splitTrailer = "..."
	splitLeader  = "... "
)

// chunkBudget leaves room in every chunk for both boundary markers.
const chunkBudget = MaxText - len(splitLeader) - len(splitTrailer)

// splitRow is one sendable unit produced by the splitter, in composition
// order. ItemsOnly rows exist solely to carry overflow attachments.
type splitRow struct {
	Payload   *Payload
	ItemsOnly bool
}

// split breaks a reply into rows each within the game's kmail limits. The
// last text-bearing row carries all currency and the first items group;
// remaining groups become items-only rows.
func split(r Reply) []splitRow {
	chunks := splitText(r.Text)
	groups := packItems(r.Items)

	rows := make([]splitRow, 0, len(chunks)+len(groups))
	for i, text := range chunks {
		p := &Payload{Recipient: r.Recipient, Text: text}
		if i == len(chunks)-1 {
			p.Meat = r.Meat
			if len(groups) > 0 {
				p.Items = groups[0]
			}
		}
		rows = append(rows, splitRow{Payload: p})
	}
	for i := 1; i < len(groups); i++ {
		rows = append(rows, splitRow{
			Payload:   &Payload{Recipient: r.Recipient, Text: itemsOnlyText, Items: groups[i]},
			ItemsOnly: true,
		})
	}
	return rows
}

// splitText chunks text on whitespace boundaries so every chunk fits MaxText
// once the boundary markers are attached. Concatenating the chunks minus the
// markers reproduces the input (up to word and total truncation).
func splitText(text string) []string {
	r := []rune(text)
	if len(r) > MaxTotal {
		r = append(r[:MaxTotal], []rune(" "+truncationMarker)...)
	}
	r = clampWords(r)

	if len(r) <= MaxText {
		return []string{string(r)}
	}

	var raw []string
	for len(r) > chunkBudget {
		cut := -1
		for i := chunkBudget; i > 0; i-- {
			if unicode.IsSpace(r[i]) {
				cut = i
				break
			}
		}
		if cut < 0 {
			// no whitespace in reach, hard cut
			raw = append(raw, string(r[:chunkBudget]))
			r = r[chunkBudget:]
			continue
		}
		raw = append(raw, string(r[:cut+1]))
		r = r[cut+1:]
	}
	if len(r) > 0 {
		raw = append(raw, string(r))
	}

	out := make([]string, len(raw))
	for i, s := range raw {
		if i > 0 {
			s = splitLeader + s
		}
		if i < len(raw)-1 {
			s = s + splitTrailer
		}
		out[i] = s
	}
	return out
}

// clampWords truncates any whitespace-free run longer than maxWordRunes,
// marking the cut.
func clampWords(r []rune) []rune {
	out := make([]rune, 0, len(r))
	run := 0
	for _, c := range r {
		if unicode.IsSpace(c) {
			run = 0
			out = append(out, c)
			continue
		}
		run++
		switch {
		case run < maxWordRunes:
			out = append(out, c)
		case run == maxWordRunes:
			out = append(out, c)
			out = append(out, []rune(splitTrailer)...)
		}
		// runes beyond the clamp are dropped until the next space
	}
	return out
}

// packItems splits the item map into groups of at most MaxItems kinds. The
// first group takes the remainder so every later group is exactly full.
func packItems(items map[gameapi.ItemID]int) []map[gameapi.ItemID]int {
	if len(items) == 0 {
		return nil
	}
	ids := make([]gameapi.ItemID, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	size := ((len(ids) - 1) % MaxItems) + 1
	var groups []map[gameapi.ItemID]int
	for len(ids) > 0 {
		g := make(map[gameapi.ItemID]int, size)
		for _, id := range ids[:size] {
			g[id] = items[id]
		}
		groups = append(groups, g)
		ids = ids[size:]
		size = MaxItems
	}
	return groups
}
