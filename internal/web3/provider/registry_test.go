package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"FlowSend-Chain/internal/web3"
)

func TestRegistryDefaultsAndOverrides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unused", http.StatusNotImplemented)
	}))
	defer srv.Close()

	defs := web3.DefaultDefinitions()
	registry, err := NewRegistry(context.Background(), defs, Options{RPCURL: srv.URL})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer registry.Close()

	client, err := registry.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client.Network().ChainID != web3.DefaultChainID {
		t.Fatalf("unexpected network %+v", client.Network())
	}
	if got := registry.Chains(); len(got) != 1 || got[0] != web3.DefaultChainName {
		t.Fatalf("unexpected chains %v", got)
	}
}

func TestRegistryRejectsUnknownDefault(t *testing.T) {
	defs := web3.DefaultDefinitions()
	defs.Default = "mainnet"
	if _, err := NewRegistry(context.Background(), defs, Options{}); err == nil {
		t.Fatalf("expected error for unknown default chain")
	}
}
