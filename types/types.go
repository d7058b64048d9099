package types

import "strings"

// Role decides whether a synchronizer derives state itself or follows a master.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

func (r Role) IsMaster() bool {
	return r == RoleMaster
}

// Address is a case-normalized hex contract address
type Address string

func NormalizeAddress(addr string) Address {
	return Address(strings.ToLower(addr))
}

func (a Address) String() string {
	return string(a)
}

// BlockHeader carries the per-block metadata delivered alongside logs
type BlockHeader struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  uint64 `json:"timestamp"`
}

// EventLog is one change record inside a block. BlockNumber and LogIndex
// together give the total order used to detect out-of-order delivery.
type EventLog struct {
	Address     Address  `json:"address"`
	Topics      []string `json:"topics"`
	Data        []byte   `json:"data"`
	BlockNumber uint64   `json:"blockNumber"`
	LogIndex    uint     `json:"logIndex"`
	TxHash      string   `json:"transactionHash"`
}

// EntityKey identifies one tracked entity as (namespace, poolIdentifier),
// both case-normalized.
type EntityKey struct {
	Namespace      string
	PoolIdentifier string
}

func NewEntityKey(namespace, poolIdentifier string) EntityKey {
	return EntityKey{
		Namespace:      strings.ToLower(namespace),
		PoolIdentifier: strings.ToLower(poolIdentifier),
	}
}

func (k EntityKey) String() string {
	return k.Namespace + ":" + k.PoolIdentifier
}
