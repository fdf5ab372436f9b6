// Package gameapi defines the contract between the bot core and the game
// server adapter. The core never speaks HTTP itself; everything it needs from
// the server is expressed through the Client interface, so tests can run
// against an in-memory double and the transport can evolve independently.
package gameapi

// ItemID identifies an item kind on the game server.
type ItemID int

// UserID identifies a player account.
type UserID int

// Status is the bot's own account state as reported by the server.
type Status struct {
	Meat          int
	HP            int
	MP            int
	Hardcore      bool
	RoninLeft     int
	Casual        bool
	FreeDralph    bool
	RolloverEpoch int64
	PlayerID      UserID
}

// CanReceiveItems reports whether the account can currently accept item or
// currency attachments on incoming mail.
func (s Status) CanReceiveItems() bool {
	return !s.Hardcore && s.RoninLeft == 0
}

// Profile is a player's public profile.
type Profile struct {
	UserName      string
	LastLoginDate string
	ClanID        int
	ClanName      string
	ClanTitle     string
	AstralSpirit  bool
	NumAscensions int
	NumTrophies   int
	NumTattoos    int
}

// Message is a kmail as it exists on the server, inbound or outbound.
type Message struct {
	ID     int64 // server-assigned kmail id
	Sender UserID
	Text   string
	Meat   int
	Items  map[ItemID]int
}

// OutgoingMail is a mail send request.
type OutgoingMail struct {
	UserID UserID
	Text   string
	Meat   int
	Items  map[ItemID]int
}

// ChatMessage is a single chat line received from the server.
type ChatMessage struct {
	Channel    string
	SenderID   UserID
	SenderName string
	Text       string
	Private    bool
	System     bool
	Emote      bool
	Time       int64
}

// ChatResponse is what the server returns for a single chat submission.
type ChatResponse struct {
	Messages       []ChatMessage
	CurrentChannel string
}

// ServerEvent is a green-event notification (new mail, etc.).
type ServerEvent struct {
	Message string
	Epoch   int64
}

// ItemInfo is static item metadata.
type ItemInfo struct {
	ID          ItemID
	Name        string
	CanTransfer bool
}

// WhitelistMember is one entry of the clan whitelist.
type WhitelistMember struct {
	ID    UserID
	Name  string
	Rank  string
	Karma int
}

// Whitelist is the clan whitelist: rank names plus members.
type Whitelist struct {
	Ranks   []string
	Members []WhitelistMember
}

// RosterMember is one entry of the live clan roster.
type RosterMember struct {
	ID   UserID
	Name string
	Rank string
}

// MallListing is one storefront offer for an item.
type MallListing struct {
	StoreID int64
	Seller  UserID
	Item    ItemID
	Price   int
	Limit   int // per-day purchase limit, 0 for none
	Stock   int
}

// Client is the adapter to the game server. Implementations may block on
// network IO and may sleep on transport-level retries; callers treat every
// method as a potential suspension point.
type Client interface {
	Status() (Status, error)
	UserProfile(uid UserID) (Profile, error)

	OpenChat() (currentChannel string, err error)
	SendChat(text string) (ChatResponse, error)
	GetChatMessages(since int64) (lastSeen int64, msgs []ChatMessage, err error)

	Inventory() (map[ItemID]int, error)

	// SendMail attempts delivery exactly once. A failure is reported as a
	// *SendError carrying the server's error class; any other error is a
	// transport fault.
	SendMail(m OutgoingMail) error
	Inbox() ([]Message, error)
	Outbox() ([]Message, error)
	DeleteInboxMessages(ids []int64) error
	DeleteOutboxMessages(ids []int64) error
	SaveMessages(ids []int64) error

	ItemInformation(iid ItemID) (ItemInfo, error)
	EventMessages(since int64) ([]ServerEvent, error)

	ClanWhitelist() (Whitelist, error)
	ClanRoster() ([]RosterMember, error)
	BootClanMember(uid UserID) error

	DisplayCaseContents() (map[ItemID]int, error)
	DisplayCaseTake(items map[ItemID]int) error
	DisplayCasePut(items map[ItemID]int) error

	UseItem(iid ItemID) error
	UseSkill(sid int, times int, target UserID) error

	// Buyer endpoints. The core never buys; modules that restock prizes or
	// heal the bot consume these.
	MallSearch(iid ItemID) ([]MallListing, error)
	MallBuy(storeID int64, iid ItemID, quantity int) error
	ShopBuy(shop string, iid ItemID, quantity int) error
	GalaktikCure(cure string) error
}

// Connect is assigned by the HTTP adapter (linked separately) to open an
// authenticated session. It stays nil in builds without an adapter; the
// supervisor refuses to start in that case unless running against the fake.
var Connect func(username, password string) (Client, error)
