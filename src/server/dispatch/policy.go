package dispatch

import "github.com/pkg/errors"

// OverloadPolicy selects what Submit does when the dispatcher is saturated.
type OverloadPolicy string

const (
	// Wait until there is room. Never drops.
	Block OverloadPolicy = "block"
	// Evict the oldest waiting standard connection, then admit.
	DropHead OverloadPolicy = "dh"
	// Drop a standard arrival; an expedited arrival evicts the newest waiting
	// standard connection instead.
	DropTail OverloadPolicy = "dt"
	// Wait until everything drained; then drop a standard arrival or admit an
	// expedited one.
	BlockFlush OverloadPolicy = "bf"
	// Evict half of the waiting standard connections at random, then admit.
	Random OverloadPolicy = "random"
)

var Policies = []OverloadPolicy{Block, DropHead, DropTail, BlockFlush, Random}

var policyAliases = map[string]OverloadPolicy{
	"block":       Block,
	"dh":          DropHead,
	"drop-head":   DropHead,
	"dt":          DropTail,
	"drop-tail":   DropTail,
	"bf":          BlockFlush,
	"block-flush": BlockFlush,
	"random":      Random,
}

// ParsePolicy accepts both the short and the long policy names.
func ParsePolicy(name string) (OverloadPolicy, error) {
	if p, ok := policyAliases[name]; ok {
		return p, nil
	}
	return "", errors.Errorf("invalid overload policy %q", name)
}

func (p OverloadPolicy) Valid() bool {
	for _, q := range Policies {
		if p == q {
			return true
		}
	}
	return false
}

// evicts reports whether the policy makes room by removing waiting
// standard connections.
func (p OverloadPolicy) evicts() bool {
	return p == DropHead || p == DropTail || p == Random
}
