package server

import "github.com/digivault/escrowd/internal/escrow"

// Demo accounts seeded into the in-memory store. Issue tokens for them
// with POST /v1/dev/token.
const (
	DemoBuyerID   = "demo-buyer"
	DemoSellerID  = "demo-seller"
	DemoListingID = "demo-listing-1"
)

// SeedDemo fills an empty memory store with a buyer, a seller with a
// payout account and a few active listings.
func SeedDemo(m *escrow.MemoryStore) {
	m.PutUser(escrow.User{ID: DemoBuyerID, Email: "buyer@demo.invalid", Name: "Demo Buyer"})
	m.PutUser(escrow.User{ID: DemoSellerID, Email: "seller@demo.invalid", Name: "Demo Seller"})
	m.PutBankAccount(escrow.BankAccount{
		ID:            "demo-bank-1",
		UserID:        DemoSellerID,
		BankName:      "Demo Bank",
		AccountNumber: "0000000001",
		AccountHolder: "Demo Seller",
		IsDefault:     true,
	})
	for _, l := range []escrow.Listing{
		{ID: DemoListingID, Title: "Steam gift card 100k", Price: 100000},
		{ID: "demo-listing-2", Title: "Game account, level 80", Price: 750000},
		{ID: "demo-listing-3", Title: "Ebook bundle", Price: 45000},
	} {
		l.SellerID = DemoSellerID
		l.Status = escrow.ListingActive
		m.PutListing(l)
	}
}
