package ledger

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet     AccountSubType = iota // free tokens held by the user
	SubTypeCollateral                       // collateral deposited with the engine

	// System sub-types
	SubTypeCustody // engine-held proceeds and returned collateral awaiting release
	SubTypeEscrow  // auction-held lots and bids

	// External sub-types
	SubTypeSupply // issuance boundary of the pegged asset
	SubTypeBridge // tokens entering or leaving the ledger
)

// System account owners.
const (
	SystemEngine  = "engine"
	SystemAuction = "auction"
)

// AssetID maps asset symbols to numeric IDs for compact keys
type AssetID uint16

var (
	assetMu   sync.RWMutex
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]string{}
)

// RegisterAsset assigns the next ID to a symbol. Registering an existing
// symbol returns its ID unchanged, so genesis can be re-run on recovery.
func RegisterAsset(symbol string) AssetID {
	assetMu.Lock()
	defer assetMu.Unlock()

	if id, ok := assetToID[symbol]; ok {
		return id
	}
	id := AssetID(len(assetToID) + 1)
	assetToID[symbol] = id
	idToAsset[id] = symbol
	return id
}

func GetAssetID(asset string) (AssetID, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, owner name for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

func WalletKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(userID, SubTypeWallet, assetID)
}

func CollateralKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(userID, SubTypeCollateral, assetID)
}

func EngineCustodyKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey(SystemEngine, SubTypeCustody, assetID)
}

func AuctionEscrowKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey(SystemAuction, SubTypeEscrow, assetID)
}

// IsExternal reports whether the account sits on the ledger boundary and
// may therefore carry a negative balance.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// UserID returns the owning user for user-scoped accounts.
func (k AccountKey) UserID() (uuid.UUID, bool) {
	if k.Scope != AccountScopeUser {
		return uuid.Nil, false
	}
	return uuid.UUID(k.EntityID), true
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		owner := string(bytes.TrimRight(k.EntityID[:], "\x00"))
		return fmt.Sprintf("system:%s:%s:%s", owner, k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeCollateral:
		return "collateral"
	case SubTypeCustody:
		return "custody"
	case SubTypeEscrow:
		return "escrow"
	case SubTypeSupply:
		return "supply"
	case SubTypeBridge:
		return "bridge"
	default:
		return "unknown"
	}
}
