// Package fake provides an in-memory gameapi.Client double for tests and dry
// runs. It models the server-side behaviors the core depends on: the outbox
// echo copy on successful sends, per-user send rejections, and chat replies.
package fake

import (
	"fmt"
	"sync"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
)

// Client is an in-memory game server.
type Client struct {
	mu sync.Mutex

	Stat      gameapi.Status
	Profiles  map[gameapi.UserID]gameapi.Profile
	InboxMsgs []gameapi.Message
	// OutboxMsgs is the server's copy of mails the bot has sent, newest first.
	OutboxMsgs []gameapi.Message
	Inv        map[gameapi.ItemID]int
	Display    map[gameapi.ItemID]int
	Items      map[gameapi.ItemID]gameapi.ItemInfo
	Events     []gameapi.ServerEvent
	WL         gameapi.Whitelist
	Roster     []gameapi.RosterMember
	SavedIDs   []int64

	// SendFail maps recipient to the error returned by SendMail. Successful
	// sends append to Sent and OutboxMsgs.
	SendFail map[gameapi.UserID]error
	Sent     []gameapi.OutgoingMail

	// ChatLog records every raw chat line submitted, in order.
	ChatLog []string
	// ChatReplies maps a submitted line to the response chats it produces.
	ChatReplies map[string][]gameapi.ChatMessage
	// ChatQueue holds chat lines to hand out on the next poll.
	ChatQueue []gameapi.ChatMessage

	// Mall maps item id to listings returned by MallSearch. Purchases land
	// in the inventory and are recorded in Bought.
	Mall   map[gameapi.ItemID][]gameapi.MallListing
	Bought []Purchase

	nextKmailID int64
	lastSeen    int64
}

// New creates an empty fake with a usable default status.
func New() *Client {
	return &Client{
		Stat:        gameapi.Status{Meat: 1000000, PlayerID: 999},
		Profiles:    make(map[gameapi.UserID]gameapi.Profile),
		Inv:         make(map[gameapi.ItemID]int),
		Display:     make(map[gameapi.ItemID]int),
		Items:       make(map[gameapi.ItemID]gameapi.ItemInfo),
		SendFail:    make(map[gameapi.UserID]error),
		ChatReplies: make(map[string][]gameapi.ChatMessage),
		Mall:        make(map[gameapi.ItemID][]gameapi.MallListing),
		nextKmailID: 5000,
	}
}

func (c *Client) Status() (gameapi.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Stat, nil
}

func (c *Client) UserProfile(uid gameapi.UserID) (gameapi.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.Profiles[uid]; ok {
		return p, nil
	}
	return gameapi.Profile{}, fmt.Errorf("fake: no profile for %d", uid)
}

func (c *Client) OpenChat() (string, error) { return "clan", nil }

func (c *Client) SendChat(text string) (gameapi.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChatLog = append(c.ChatLog, text)
	return gameapi.ChatResponse{Messages: c.ChatReplies[text], CurrentChannel: "clan"}, nil
}

func (c *Client) GetChatMessages(since int64) (int64, []gameapi.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.ChatQueue
	c.ChatQueue = nil
	c.lastSeen++
	return c.lastSeen, msgs, nil
}

func (c *Client) Inventory() (map[gameapi.ItemID]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[gameapi.ItemID]int, len(c.Inv))
	for k, v := range c.Inv {
		out[k] = v
	}
	return out, nil
}

func (c *Client) SendMail(m gameapi.OutgoingMail) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.SendFail[m.UserID]; ok && err != nil {
		return err
	}
	c.Sent = append(c.Sent, m)
	items := make(map[gameapi.ItemID]int, len(m.Items))
	for k, v := range m.Items {
		items[k] = v
		c.Inv[k] -= v
	}
	c.nextKmailID++
	echo := gameapi.Message{ID: c.nextKmailID, Sender: c.Stat.PlayerID, Text: m.Text, Meat: m.Meat, Items: items}
	c.OutboxMsgs = append([]gameapi.Message{echo}, c.OutboxMsgs...)
	return nil
}

func (c *Client) Inbox() ([]gameapi.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gameapi.Message, len(c.InboxMsgs))
	copy(out, c.InboxMsgs)
	return out, nil
}

func (c *Client) Outbox() ([]gameapi.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gameapi.Message, len(c.OutboxMsgs))
	copy(out, c.OutboxMsgs)
	return out, nil
}

// AddInbox queues an inbound kmail and returns its server id.
func (c *Client) AddInbox(sender gameapi.UserID, text string, meat int, items map[gameapi.ItemID]int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextKmailID++
	c.InboxMsgs = append(c.InboxMsgs, gameapi.Message{ID: c.nextKmailID, Sender: sender, Text: text, Meat: meat, Items: items})
	return c.nextKmailID
}

func (c *Client) DeleteInboxMessages(ids []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InboxMsgs = dropIDs(c.InboxMsgs, ids)
	return nil
}

func (c *Client) DeleteOutboxMessages(ids []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OutboxMsgs = dropIDs(c.OutboxMsgs, ids)
	return nil
}

func dropIDs(msgs []gameapi.Message, ids []int64) []gameapi.Message {
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var out []gameapi.Message
	for _, m := range msgs {
		if !drop[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) SaveMessages(ids []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SavedIDs = append(c.SavedIDs, ids...)
	return nil
}

func (c *Client) ItemInformation(iid gameapi.ItemID) (gameapi.ItemInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.Items[iid]; ok {
		return info, nil
	}
	// Unknown items default to transferable so tests need not register every id.
	return gameapi.ItemInfo{ID: iid, Name: fmt.Sprintf("item %d", iid), CanTransfer: true}, nil
}

func (c *Client) EventMessages(since int64) ([]gameapi.ServerEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []gameapi.ServerEvent
	for _, ev := range c.Events {
		if ev.Epoch > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *Client) ClanWhitelist() (gameapi.Whitelist, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WL, nil
}

func (c *Client) ClanRoster() ([]gameapi.RosterMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gameapi.RosterMember, len(c.Roster))
	copy(out, c.Roster)
	return out, nil
}

func (c *Client) BootClanMember(uid gameapi.UserID) error { return nil }

func (c *Client) DisplayCaseContents() (map[gameapi.ItemID]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[gameapi.ItemID]int, len(c.Display))
	for k, v := range c.Display {
		out[k] = v
	}
	return out, nil
}

func (c *Client) DisplayCaseTake(items map[gameapi.ItemID]int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for iid, qty := range items {
		if c.Display[iid] < qty {
			return fmt.Errorf("fake: display case short on item %d", iid)
		}
		c.Display[iid] -= qty
		c.Inv[iid] += qty
	}
	return nil
}

func (c *Client) DisplayCasePut(items map[gameapi.ItemID]int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for iid, qty := range items {
		if c.Inv[iid] < qty {
			return fmt.Errorf("fake: inventory short on item %d", iid)
		}
		c.Inv[iid] -= qty
		c.Display[iid] += qty
	}
	return nil
}

func (c *Client) UseItem(iid gameapi.ItemID) error { return nil }

func (c *Client) UseSkill(sid, times int, target gameapi.UserID) error { return nil }

// Purchase records one buyer-endpoint call.
type Purchase struct {
	Source string // "mall", shop name, or "galaktik"
	Item   gameapi.ItemID
	Qty    int
}

func (c *Client) MallSearch(iid gameapi.ItemID) ([]gameapi.MallListing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gameapi.MallListing, len(c.Mall[iid]))
	copy(out, c.Mall[iid])
	return out, nil
}

func (c *Client) MallBuy(storeID int64, iid gameapi.ItemID, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.Mall[iid] {
		if l.StoreID != storeID {
			continue
		}
		if l.Stock < quantity {
			return fmt.Errorf("fake: store %d short on item %d", storeID, iid)
		}
		c.Mall[iid][i].Stock -= quantity
		c.Stat.Meat -= l.Price * quantity
		c.Inv[iid] += quantity
		c.Bought = append(c.Bought, Purchase{Source: "mall", Item: iid, Qty: quantity})
		return nil
	}
	return fmt.Errorf("fake: no store %d selling item %d", storeID, iid)
}

func (c *Client) ShopBuy(shop string, iid gameapi.ItemID, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Inv[iid] += quantity
	c.Bought = append(c.Bought, Purchase{Source: shop, Item: iid, Qty: quantity})
	return nil
}

func (c *Client) GalaktikCure(cure string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Bought = append(c.Bought, Purchase{Source: "galaktik"})
	return nil
}
