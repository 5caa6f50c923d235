package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blockfrost/blockfrost-go"
)

// ErrTxNotFound is returned when the chain index has no record of a transaction.
var ErrTxNotFound = errors.New("transaction not found")

// Chain submits signed envelopes and reports confirmation status.
type Chain interface {
	Submit(ctx context.Context, env Envelope) (string, error)
	Confirmed(ctx context.Context, txHash string) (bool, error)
}

// BlockfrostConfig configures a Blockfrost-backed Chain.
type BlockfrostConfig struct {
	// BaseURL is the Blockfrost API root, e.g. https://cardano-preprod.blockfrost.io/api/v0.
	BaseURL   string
	ProjectID string
	// SubmitURL is the relay that builds and submits the metadata transaction.
	SubmitURL  string
	HTTPClient *http.Client
}

// Blockfrost queries the Blockfrost index through its Go SDK and hands
// signed envelopes to a submission relay. The SDK only submits raw CBOR, and
// building the metadata transaction is the relay's job.
type Blockfrost struct {
	api       blockfrost.APIClient
	projectID string
	submitURL string
	http      *http.Client
}

// NewBlockfrost validates cfg and returns a client.
func NewBlockfrost(cfg BlockfrostConfig) (*Blockfrost, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("blockfrost base url is required")
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("blockfrost project id is required")
	}
	if strings.TrimSpace(cfg.SubmitURL) == "" {
		return nil, errors.New("submit url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse blockfrost base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Blockfrost{
		api: blockfrost.NewAPIClient(blockfrost.APIClientOptions{
			ProjectID: cfg.ProjectID,
			Server:    strings.TrimRight(cfg.BaseURL, "/"),
			Client:    client,
		}),
		projectID: cfg.ProjectID,
		submitURL: cfg.SubmitURL,
		http:      client,
	}, nil
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

// Submit posts env to the relay and returns the transaction hash it reports.
func (b *Blockfrost) Submit(ctx context.Context, env Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.submitURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("project_id", b.projectID)

	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit envelope: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit envelope: %s", readError(resp))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.TxHash == "" {
		return "", errors.New("submit response missing tx_hash")
	}
	return out.TxHash, nil
}

// Confirmed reports whether txHash is included in a block. A 404 from the
// index means the transaction is still pending.
func (b *Blockfrost) Confirmed(ctx context.Context, txHash string) (bool, error) {
	if _, err := b.api.Transaction(ctx, txHash); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("query transaction %s: %w", txHash, err)
	}
	return true, nil
}

// Payload fetches the custody payload recorded under MetadataLabel for txHash.
func (b *Blockfrost) Payload(ctx context.Context, txHash string) (Payload, error) {
	entries, err := b.api.TransactionMetadata(ctx, txHash)
	if err != nil {
		if isNotFound(err) {
			return Payload{}, ErrTxNotFound
		}
		return Payload{}, fmt.Errorf("query metadata %s: %w", txHash, err)
	}

	label := strconv.Itoa(MetadataLabel)
	for _, e := range entries {
		if e.Label != label {
			continue
		}
		raw, err := json.Marshal(e.JsonMetadata)
		if err != nil {
			return Payload{}, fmt.Errorf("encode label %s: %w", label, err)
		}
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Payload{}, fmt.Errorf("decode label %s: %w", label, err)
		}
		return p, nil
	}
	return Payload{}, fmt.Errorf("transaction %s has no label %s metadata", txHash, label)
}

func isNotFound(err error) bool {
	var apiErr *blockfrost.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	_, ok := apiErr.Response.(blockfrost.NotFound)
	return ok
}

func readError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, msg)
}
