// Package payout rotates the pool login between the developer account and
// the user's account in proportion to their percentages.
package payout

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

const (
	// DeveloperAddress receives the donation on pools that log in by address.
	DeveloperAddress = "PbwHkEs9ieWdfJPsowoWingrKyND2uML9s"
	// DeveloperWorker receives the donation on ypool.
	DeveloperWorker = "gigawatt.pts_dev"

	developerPass = "x"

	// AddressVersion is the base58check version byte of Protoshares addresses.
	AddressVersion = 56
)

// Account is one login the miner can mine for.
type Account struct {
	Name      string
	Pass      string
	Percent   float64
	Developer bool
}

// DefaultAccounts returns the developer account followed by the user's. The
// developer gets donation percent of mining time and the user the rest.
func DefaultAccounts(host, user, pass string, donation float64) []Account {
	dev := DeveloperAddress
	if strings.Contains(host, "ypool") {
		dev = DeveloperWorker
	}
	return []Account{
		{Name: dev, Pass: developerPass, Percent: donation, Developer: true},
		{Name: user, Pass: pass, Percent: 100 - donation},
	}
}

// IsAddress reports whether name is a valid Protoshares address rather than
// a pool worker name.
func IsAddress(name string) bool {
	_, version, err := base58.CheckDecode(name)
	return err == nil && version == AddressVersion
}
