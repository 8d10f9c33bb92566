package wire

import (
	"encoding/json"
	"fmt"
)

// Event is a closed sum type over the five server-pushed routes this core
// understands. Exactly one of the typed fields is non-nil, selected by
// Route. An unrecognized route parses successfully with Route set and every
// typed field nil; callers must log and ignore it (SPEC_FULL.md §9,
// "Dynamic route dispatch over JSON").
type Event struct {
	Route Route

	Connection            *ConnectionEvent
	ApplyTransactions     *ApplyTransactionsEvent
	BuildBundle           *BuildBundleEvent
	ReceiveRequestForSeed *ReceiveRequestForSeedEvent
	ReceiveSeed           *ReceiveSeedEvent
}

// ConnectionEvent carries the server's salts and validation challenge.
type ConnectionEvent struct {
	Salts                    Salts  `json:"salts"`
	EncryptedValidationMessage string `json:"encryptedValidationMessage"`
	SessionID                string `json:"sessionId,omitempty"`
}

// Salts is the per-user HKDF context delivered at connect time.
type Salts struct {
	EncryptionKeySalt string `json:"encryptionKeySalt"`
	DHKeySalt         string `json:"dhKeySalt"`
	HMACKeySalt       string `json:"hmacKeySalt"`
}

// ApplyTransactionsEvent is described in SPEC_FULL.md §4.5.
type ApplyTransactionsEvent struct {
	DBID           string             `json:"dbId"`
	DBNameHash     string             `json:"dbNameHash,omitempty"`
	DBKey          string             `json:"dbKey,omitempty"`
	Bundle         string             `json:"bundle,omitempty"`
	BundleSeqNo    int64              `json:"bundleSeqNo,omitempty"`
	TransactionLog []TransactionEntry `json:"transactionLog"`
}

// Command is the kind of mutation a TransactionEntry carries.
type Command string

const (
	CommandInsert Command = "Insert"
	CommandUpdate Command = "Update"
	CommandDelete Command = "Delete"
	CommandBatch  Command = "BatchTransaction"
)

// TransactionEntry is a single record-level mutation, or — for
// CommandBatch — a container for an ordered list of them (SPEC_FULL.md
// §4.5).
type TransactionEntry struct {
	SeqNo     int64              `json:"seqNo"`
	Command   Command            `json:"command"`
	ItemID    string              `json:"itemId,omitempty"`
	Record    json.RawMessage     `json:"record,omitempty"`
	Batch     []TransactionEntry `json:"batch,omitempty"`
}

// BuildBundleEvent asks the client to snapshot one database.
type BuildBundleEvent struct {
	DBID string `json:"dbId"`
}

// ReceiveRequestForSeedEvent is forwarded to AccessControl.SendSeed.
// RequesterSigningPublicKey is the requester's device-identity signing key,
// persisted alongside its seed-request DH key (SPEC_FULL.md §3, Device
// identity); it is omitted by requesters that predate the signing keypair.
type ReceiveRequestForSeedEvent struct {
	RequesterPublicKey        string `json:"requesterPublicKey"`
	RequesterSigningPublicKey string `json:"requesterSigningPublicKey,omitempty"`
}

// ReceiveSeedEvent carries a peer's answer to our own RequestSeed.
type ReceiveSeedEvent struct {
	EncryptedSeed          string `json:"encryptedSeed"`
	SenderPublicKey        string `json:"senderPublicKey"`
	SenderSigningPublicKey string `json:"senderSigningPublicKey,omitempty"`
}

func parseEvent(raw []byte, route *Route) (*Event, error) {
	if route == nil {
		return nil, fmt.Errorf("wire: inbound message has neither requestId nor route")
	}
	ev := &Event{Route: *route}
	switch *route {
	case RouteConnection:
		ev.Connection = new(ConnectionEvent)
		return ev, unmarshalInto(raw, ev.Connection)
	case RouteApplyTransactions:
		ev.ApplyTransactions = new(ApplyTransactionsEvent)
		return ev, unmarshalInto(raw, ev.ApplyTransactions)
	case RouteBuildBundle:
		ev.BuildBundle = new(BuildBundleEvent)
		return ev, unmarshalInto(raw, ev.BuildBundle)
	case RouteReceiveRequestForSeed:
		ev.ReceiveRequestForSeed = new(ReceiveRequestForSeedEvent)
		return ev, unmarshalInto(raw, ev.ReceiveRequestForSeed)
	case RouteReceiveSeed:
		ev.ReceiveSeed = new(ReceiveSeedEvent)
		return ev, unmarshalInto(raw, ev.ReceiveSeed)
	default:
		// Unknown route: return the bare Event with Route set and every
		// typed field left nil. The caller logs and ignores it.
		return ev, nil
	}
}

func unmarshalInto(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
