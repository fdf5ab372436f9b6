package director

import (
	"fmt"
	"sync"
	"time"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
)

// ClanMember is one cached clan record, merged from the whitelist and the
// live roster.
type ClanMember struct {
	ID          gameapi.UserID
	Name        string
	Rank        string
	InClan      bool
	Whitelisted bool
	Karma       int
}

// ClanCache is the shared (user -> record) map. The director refreshes it on
// its cadence; modules read it through Lookup.
type ClanCache struct {
	mu        sync.RWMutex
	members   map[gameapi.UserID]ClanMember
	refreshed time.Time
}

// NewClanCache creates an empty cache.
func NewClanCache() *ClanCache {
	return &ClanCache{members: make(map[gameapi.UserID]ClanMember)}
}

// Lookup returns the cached record for a user.
func (c *ClanCache) Lookup(uid gameapi.UserID) (ClanMember, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[uid]
	return m, ok
}

// Len returns the number of cached records.
func (c *ClanCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// All returns a copy of the member map.
func (c *ClanCache) All() map[gameapi.UserID]ClanMember {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[gameapi.UserID]ClanMember, len(c.members))
	for k, v := range c.members {
		out[k] = v
	}
	return out
}

// Seed installs a previously persisted map without marking it fresh, so the
// next refresh cadence still queries the server.
func (c *ClanCache) Seed(members map[gameapi.UserID]ClanMember) {
	if members == nil {
		return
	}
	c.mu.Lock()
	c.members = members
	c.mu.Unlock()
}

// Age returns how long ago the cache was last refreshed from the server.
func (c *ClanCache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.refreshed.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(c.refreshed)
}

// Refresh rebuilds the map from the clan whitelist and live roster. Roster
// members not on the whitelist are still cached; whitelisted members missing
// from the roster are flagged as out of clan.
func (c *ClanCache) Refresh(cl gameapi.Client) error {
	wl, err := cl.ClanWhitelist()
	if err != nil {
		return fmt.Errorf("clan cache: whitelist: %w", err)
	}
	roster, err := cl.ClanRoster()
	if err != nil {
		return fmt.Errorf("clan cache: roster: %w", err)
	}

	members := make(map[gameapi.UserID]ClanMember, len(wl.Members)+len(roster))
	for _, m := range wl.Members {
		members[m.ID] = ClanMember{
			ID:          m.ID,
			Name:        m.Name,
			Rank:        m.Rank,
			Whitelisted: true,
			Karma:       m.Karma,
		}
	}
	for _, m := range roster {
		rec := members[m.ID]
		rec.ID = m.ID
		rec.Name = m.Name
		if m.Rank != "" {
			rec.Rank = m.Rank
		}
		rec.InClan = true
		members[m.ID] = rec
	}

	c.mu.Lock()
	c.members = members
	c.refreshed = time.Now()
	c.mu.Unlock()
	return nil
}
