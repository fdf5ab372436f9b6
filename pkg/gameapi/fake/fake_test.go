package fake

import (
	"testing"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
)

var _ gameapi.Client = (*Client)(nil)

func TestMallBuyMovesStockAndMeat(t *testing.T) {
	c := New()
	iid := gameapi.ItemID(4510)
	c.Mall[iid] = []gameapi.MallListing{
		{StoreID: 77, Seller: 1001, Item: iid, Price: 100, Stock: 3},
	}

	listings, err := c.MallSearch(iid)
	if err != nil || len(listings) != 1 {
		t.Fatalf("search: %v %v", listings, err)
	}

	startMeat := c.Stat.Meat
	if err := c.MallBuy(77, iid, 2); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if c.Inv[iid] != 2 {
		t.Errorf("inventory = %d, want 2", c.Inv[iid])
	}
	if c.Stat.Meat != startMeat-200 {
		t.Errorf("meat = %d, want %d", c.Stat.Meat, startMeat-200)
	}
	if c.Mall[iid][0].Stock != 1 {
		t.Errorf("store stock = %d, want 1", c.Mall[iid][0].Stock)
	}

	if err := c.MallBuy(77, iid, 5); err == nil {
		t.Error("buying past store stock succeeded")
	}
	if err := c.MallBuy(78, iid, 1); err == nil {
		t.Error("buying from an absent store succeeded")
	}
}

func TestShopAndGalaktikRecorded(t *testing.T) {
	c := New()
	iid := gameapi.ItemID(31)
	if err := c.ShopBuy("armory", iid, 4); err != nil {
		t.Fatalf("shop buy: %v", err)
	}
	if err := c.GalaktikCure("Tongue"); err != nil {
		t.Fatalf("cure: %v", err)
	}

	if c.Inv[iid] != 4 {
		t.Errorf("inventory = %d, want 4", c.Inv[iid])
	}
	if len(c.Bought) != 2 || c.Bought[0].Source != "armory" || c.Bought[1].Source != "galaktik" {
		t.Errorf("purchase log = %+v", c.Bought)
	}
}
