package identity

import (
	"crypto/rand"
	"math/big"
)

// Word lists for auto-generated agent names. Kept short and unambiguous so
// names stay readable in inbox listings.
var (
	nameAdjectives = []string{
		"Amber", "Bold", "Brisk", "Calm", "Clever", "Crimson", "Deft",
		"Eager", "Fleet", "Gentle", "Golden", "Keen", "Lucid", "Mellow",
		"Nimble", "Quiet", "Rapid", "Silent", "Solid", "Swift", "Vivid",
		"Wise",
	}
	nameNouns = []string{
		"Badger", "Condor", "Cricket", "Falcon", "Fox", "Heron", "Ibis",
		"Lynx", "Marten", "Osprey", "Otter", "Petrel", "Puffin", "Raven",
		"Sable", "Shrike", "Sparrow", "Swift", "Tern", "Vole", "Wren",
	}
)

// GenerateAgentName returns a random Adjective+Noun name, e.g. "SwiftRaven".
// Uniqueness is enforced at registration time, not here; callers retry with
// a fresh name on collision.
func GenerateAgentName() string {
	return pick(nameAdjectives) + pick(nameNouns)
}

func pick(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return words[0]
	}
	return words[n.Int64()]
}
