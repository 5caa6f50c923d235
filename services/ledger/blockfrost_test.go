package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newBlockfrostServer(t *testing.T) (*httptest.Server, *[]Envelope) {
	t.Helper()
	var submitted []Envelope
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("project_id") != "preprodKEY" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		submitted = append(submitted, env)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_hash": "f00d"})
	})
	mux.HandleFunc("GET /api/v0/txs/{hash}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("project_id") != "preprodKEY" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.PathValue("hash") {
		case "f00d":
			_ = json.NewEncoder(w).Encode(map[string]any{"hash": "f00d", "block_height": 123})
		case "broken":
			http.Error(w, `{"error":"Internal Server Error"}`, http.StatusInternalServerError)
		default:
			http.Error(w, `{"status_code":404,"error":"Not Found"}`, http.StatusNotFound)
		}
	})
	mux.HandleFunc("GET /api/v0/txs/{hash}/metadata", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("hash") != "f00d" {
			http.Error(w, `{"status_code":404,"error":"Not Found","message":"The requested component has not been found."}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[
			{"label":"674","json_metadata":{"msg":["hello"]}},
			{"label":"1337","json_metadata":{"asset_id":"a-1","event":"VAULT_EXIT","log_hash":"beef","timestamp_utc":"2026-03-01T08:00:00Z"}}
		]`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &submitted
}

func newTestBlockfrost(t *testing.T, srv *httptest.Server) *Blockfrost {
	t.Helper()
	b, err := NewBlockfrost(BlockfrostConfig{
		BaseURL:    srv.URL + "/api/v0/",
		ProjectID:  "preprodKEY",
		SubmitURL:  srv.URL + "/submit",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewBlockfrost() error = %v", err)
	}
	return b
}

func TestBlockfrostSubmit(t *testing.T) {
	srv, submitted := newBlockfrostServer(t)
	b := newTestBlockfrost(t, srv)

	hash, err := b.Submit(context.Background(), Envelope{Label: MetadataLabel, Metadata: json.RawMessage(`{"1337":{}}`), Signature: "c2ln", PublicKey: "cGs="})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if hash != "f00d" {
		t.Fatalf("Submit() = %q, want f00d", hash)
	}
	if len(*submitted) != 1 || (*submitted)[0].Signature != "c2ln" {
		t.Fatalf("relay received %+v", *submitted)
	}
}

func TestBlockfrostConfirmed(t *testing.T) {
	srv, _ := newBlockfrostServer(t)
	b := newTestBlockfrost(t, srv)

	tests := []struct {
		hash    string
		want    bool
		wantErr bool
	}{
		{hash: "f00d", want: true},
		{hash: "pending", want: false},
		{hash: "broken", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.hash, func(t *testing.T) {
			got, err := b.Confirmed(context.Background(), tt.hash)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Confirmed() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("Confirmed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBlockfrostPayload(t *testing.T) {
	srv, _ := newBlockfrostServer(t)
	b := newTestBlockfrost(t, srv)

	p, err := b.Payload(context.Background(), "f00d")
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if p.Event != "VAULT_EXIT" || p.LogHash != "beef" {
		t.Fatalf("Payload() = %+v", p)
	}

	if _, err := b.Payload(context.Background(), "missing"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("Payload(missing) error = %v, want ErrTxNotFound", err)
	}
}

func TestBlockfrostSubmitRejected(t *testing.T) {
	srv, _ := newBlockfrostServer(t)
	b, _ := NewBlockfrost(BlockfrostConfig{BaseURL: srv.URL, ProjectID: "wrong", SubmitURL: srv.URL + "/submit", HTTPClient: srv.Client()})
	if _, err := b.Submit(context.Background(), Envelope{}); err == nil {
		t.Fatal("Submit() expected error for rejected credentials")
	}
}

func TestNewBlockfrostValidates(t *testing.T) {
	cases := []BlockfrostConfig{
		{ProjectID: "p", SubmitURL: "http://relay"},
		{BaseURL: "http://bf", SubmitURL: "http://relay"},
		{BaseURL: "http://bf", ProjectID: "p"},
	}
	for i, cfg := range cases {
		if _, err := NewBlockfrost(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
