package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentFi-Mesh/internal/errors"
)

func TestHTTPClientExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Reason != "ok" {
			t.Fatalf("unexpected reason: %q", req.Reason)
		}
		if req.Proposal["action"] != "swap" {
			t.Fatalf("unexpected proposal: %v", req.Proposal)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"signed_tx": "0xbeef", "status": "simulated"})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	raw, err := client.Execute(context.Background(), map[string]any{"action": "swap"}, "ok")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var resp map[string]string
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["signed_tx"] != "0xbeef" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestHTTPClientExecuteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Execute(context.Background(), map[string]any{}, "ok")
	if err == nil {
		t.Fatal("expected error for 5xx response")
	}
	if xerrors.CodeOf(err) != xerrors.CodeCollaboratorFailure {
		t.Fatalf("expected COLLABORATOR_UNREACHABLE, got %v", xerrors.CodeOf(err))
	}
}

func TestHTTPClientExecuteInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Execute(context.Background(), nil, "ok"); err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestNewHTTPClientRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPClient("  ", time.Second); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestLocalSignerSignsProposal(t *testing.T) {
	signer, err := NewLocalSigner(context.Background(), SignerConfig{
		PrivateKeyHex: "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d",
		ChainID:       1337,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	defer signer.Close()

	raw, err := signer.Execute(context.Background(), map[string]any{
		"to":    "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		"value": "1000000000000000000",
	}, "ok")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != "signed" {
		t.Fatalf("expected signed status, got %v", resp["status"])
	}
	if resp["signed_tx"] == "" || resp["tx_hash"] == "" {
		t.Fatalf("missing transaction fields: %v", resp)
	}
	if resp["reason"] != "ok" {
		t.Fatalf("reason must be echoed, got %v", resp["reason"])
	}
}

func TestLocalSignerRejectsBadProposal(t *testing.T) {
	signer, err := NewLocalSigner(context.Background(), SignerConfig{
		PrivateKeyHex: "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d",
		ChainID:       1337,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	defer signer.Close()

	if _, err := signer.Execute(context.Background(), map[string]any{"to": "not-an-address"}, "ok"); err == nil {
		t.Fatal("expected error for invalid address")
	}
	if _, err := signer.Execute(context.Background(), map[string]any{
		"to":    "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		"value": "-5",
	}, "ok"); err == nil {
		t.Fatal("expected error for negative value")
	}
}

func TestNewLocalSignerValidatesConfig(t *testing.T) {
	if _, err := NewLocalSigner(context.Background(), SignerConfig{ChainID: 1}); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, err := NewLocalSigner(context.Background(), SignerConfig{
		PrivateKeyHex: "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d",
	}); err == nil {
		t.Fatal("expected error for missing chain id")
	}
}
