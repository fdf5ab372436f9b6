// Package mail is the durable mail state machine: it ingests inbound kmails
// exactly once, hands them to modules, and delivers outbound kmails with
// at-most-once semantics under crash, withholding attachments when the
// recipient cannot receive them.
package mail

import (
	"encoding/json"
	"fmt"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
)

// Payload is the JSON document persisted in a mail row's data_blob. The store
// treats it as opaque; only this package reads and writes it.
type Payload struct {
	Recipient  gameapi.UserID         `json:"recipient,omitempty"`
	Sender     gameapi.UserID         `json:"sender,omitempty"`
	Text       string                 `json:"text"`
	Meat       int                    `json:"meat,omitempty"`
	Items      map[gameapi.ItemID]int `json:"items,omitempty"`
	OutOfStock bool                   `json:"out_of_stock,omitempty"`
}

// HasAttachments reports whether the payload carries anything besides text.
func (p *Payload) HasAttachments() bool {
	return p.Meat > 0 || len(p.Items) > 0
}

func encodePayload(p *Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("mail: encode payload: %w", err)
	}
	return string(b), nil
}

func decodePayload(blob string) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, fmt.Errorf("mail: decode payload: %w", err)
	}
	return &p, nil
}

// Reply is what a module hands back for delivery. Defer skips the send
// attempt and stores the attachments for later cashout.
type Reply struct {
	Recipient gameapi.UserID
	Text      string
	Meat      int
	Items     map[gameapi.ItemID]int
	Defer     bool
}

// Inbound is an ingested kmail as surfaced to modules by TakeNext.
type Inbound struct {
	RowID   int64
	KmailID int64
	Sender  gameapi.UserID
	Text    string
	Meat    int
	Items   map[gameapi.ItemID]int
}
