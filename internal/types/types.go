// Package types holds the identity and unit primitives shared by every
// protocol entity.
package types

import (
	"fmt"
	"strings"
)

// Address is an opaque caller identity (wallet, signer, keeper or entity).
type Address string

// EntityID names a deployed entity instance.
type EntityID string

// EntityKind enumerates the protocol state machines.
type EntityKind string

const (
	KindLoan     EntityKind = "loan"
	KindOracle   EntityKind = "oracle"
	KindMultisig EntityKind = "multisig"
	KindPool     EntityKind = "pool"
	KindReserve  EntityKind = "reserve"
	KindAuction  EntityKind = "auction"
	KindEscrow   EntityKind = "escrow"
)

// AllKinds lists kinds in leaf-first deployment order.
var AllKinds = []EntityKind{
	KindOracle, KindMultisig, KindPool, KindReserve, KindEscrow, KindLoan, KindAuction,
}

func (k EntityKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

const entityPrefix = "entity:"

// EntityAddress returns the identity an entity uses when it is the sender
// of a pipeline message.
func EntityAddress(id EntityID) Address {
	return Address(entityPrefix + string(id))
}

// EntityOf reports the entity behind an entity address.
func EntityOf(addr Address) (EntityID, bool) {
	s := string(addr)
	if !strings.HasPrefix(s, entityPrefix) {
		return "", false
	}
	return EntityID(strings.TrimPrefix(s, entityPrefix)), true
}

func (a Address) IsZero() bool { return a == "" }

func (a Address) String() string { return string(a) }

func (id EntityID) String() string { return string(id) }

// BpsDenominator is 100% in basis points.
const BpsDenominator int64 = 10_000

// NanoPerTON is the on-chain minor unit scale.
const NanoPerTON int64 = 1_000_000_000

// FormatTON renders minor units as a decimal TON string for logs.
func FormatTON(nano int64) string {
	sign := ""
	if nano < 0 {
		sign = "-"
		nano = -nano
	}
	whole := nano / NanoPerTON
	frac := nano % NanoPerTON
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	return strings.TrimRight(fmt.Sprintf("%s%d.%09d", sign, whole, frac), "0")
}
