package ledger

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MetadataLabel is the transaction metadata label custody payloads are written under.
const MetadataLabel = 1337

// Request identifies the transition to anchor.
type Request struct {
	AssetID   uuid.UUID
	Event     string
	LogHash   string
	Timestamp time.Time
}

// Payload is the metadata document written on chain.
type Payload struct {
	AssetID      string `json:"asset_id"`
	Event        string `json:"event"`
	LogHash      string `json:"log_hash"`
	TimestampUTC string `json:"timestamp_utc"`
}

// NewPayload builds the on-chain document for req.
func NewPayload(req Request) Payload {
	return Payload{
		AssetID:      req.AssetID.String(),
		Event:        req.Event,
		LogHash:      req.LogHash,
		TimestampUTC: req.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Metadata returns the label-keyed metadata JSON that gets signed and submitted.
func (p Payload) Metadata() ([]byte, error) {
	return json.Marshal(map[string]Payload{strconv.Itoa(MetadataLabel): p})
}

// Envelope is a signed metadata document handed to the transaction relay.
type Envelope struct {
	Label     int             `json:"label"`
	Metadata  json.RawMessage `json:"metadata"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key"`
}
