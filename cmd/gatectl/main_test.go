package main

import (
	"encoding/json"
	"testing"
)

func TestBuildPayloadPassesRawJSON(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":7,"method":"eth_blockNumber","params":[]}`
	payload, err := buildPayload([]string{raw})
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	if string(payload) != raw {
		t.Fatalf("payload = %s, want unchanged input", payload)
	}
}

func TestBuildPayloadAssemblesMethodCall(t *testing.T) {
	payload, err := buildPayload([]string{"eth_getBalance", "0x00a329c0648769a73afac7f9381e08fb43dbea72", "latest"})
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	var req struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      int               `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("decode payload %s: %v", payload, err)
	}
	if req.JSONRPC != "2.0" || req.ID != 1 || req.Method != "eth_getBalance" {
		t.Fatalf("payload = %s", payload)
	}
	if len(req.Params) != 2 {
		t.Fatalf("params = %v", req.Params)
	}
	if string(req.Params[1]) != `"latest"` {
		t.Fatalf("bare param not quoted: %s", req.Params[1])
	}
}

func TestBuildPayloadKeepsJSONParams(t *testing.T) {
	payload, err := buildPayload([]string{"eth_sendTransaction", `{"from":"0xab","gas":"0x100"}`})
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	var req struct {
		Params []json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(req.Params) != 1 || string(req.Params[0]) != `{"from":"0xab","gas":"0x100"}` {
		t.Fatalf("params = %v", req.Params)
	}
}

func TestBuildPayloadRejectsEmpty(t *testing.T) {
	if _, err := buildPayload(nil); err == nil {
		t.Fatal("empty argument list accepted")
	}
}
