package rpc

import (
	"encoding/json"
	"testing"
)

func TestDecodeEnvelopeSingle(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`  {"jsonrpc":"2.0","id":7,"method":"eth_getBalance","params":["0xabc","latest"]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Batch {
		t.Fatal("expected single envelope")
	}
	if len(env.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(env.Messages))
	}
	msg := env.Messages[0]
	if !msg.IsRequest() || msg.Method != "eth_getBalance" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.IDKey() != "7" {
		t.Fatalf("expected id key 7, got %s", msg.IDKey())
	}
}

func TestDecodeEnvelopeBatchPreservesShape(t *testing.T) {
	payload := []byte(`[{"id":1,"method":"net_version"},{"id":"two","method":"eth_accounts"}]`)
	env, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !env.Batch || len(env.Messages) != 2 {
		t.Fatalf("expected batch of 2, got batch=%v len=%d", env.Batch, len(env.Messages))
	}
	out, err := env.Bytes()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(out) != string(payload) {
		t.Fatalf("expected round trip, got %s", out)
	}
}

func TestDecodeEnvelopeBatchOfOneStaysBatch(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`[{"id":1,"method":"net_version"}]`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !env.Batch {
		t.Fatal("batch of one must keep its array shape")
	}
	out, err := env.Bytes()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if out[0] != '[' {
		t.Fatalf("expected array output, got %s", out)
	}
}

func TestMessageBytesPreservesUnknownFields(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":1,"method":"eth_call","params":[],"vendor":"wallet"}`
	msg, err := DecodeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	out, err := msg.Bytes()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(out) != raw {
		t.Fatalf("expected verbatim bytes, got %s", out)
	}
}

func TestMessageSetParamsDropsRetainedBytes(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"gas":"0x1"}]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	msg.SetParams(json.RawMessage(`[{"gas":"0x5208"}]`))
	out, err := msg.Bytes()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded struct {
		Params []struct {
			Gas string `json:"gas"`
		} `json:"params"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if len(decoded.Params) != 1 || decoded.Params[0].Gas != "0x5208" {
		t.Fatalf("expected amended gas, got %s", out)
	}
}

func TestMessageHasID(t *testing.T) {
	cases := []struct {
		payload string
		want    bool
	}{
		{`{"id":1,"method":"m"}`, true},
		{`{"id":"abc","method":"m"}`, true},
		{`{"id":null,"method":"m"}`, false},
		{`{"method":"m"}`, false},
	}
	for _, tc := range cases {
		msg, err := DecodeMessage([]byte(tc.payload))
		if err != nil {
			t.Fatalf("decode %s failed: %v", tc.payload, err)
		}
		if msg.HasID() != tc.want {
			t.Fatalf("%s: expected HasID=%v", tc.payload, tc.want)
		}
	}
}

func TestIDKeysDoNotCollideAcrossTypes(t *testing.T) {
	numeric, err := DecodeMessage([]byte(`{"id":1,"method":"m"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	str, err := DecodeMessage([]byte(`{"id":"1","method":"m"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if numeric.IDKey() == str.IDKey() {
		t.Fatalf("expected distinct keys, both %q", numeric.IDKey())
	}
}

func TestErrorResponseShape(t *testing.T) {
	resp := NewErrorResponse(json.RawMessage(`42`), ErrMethodNotAllowed("admin_addPeer"))
	data, err := resp.Bytes()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Error   *Error `json:"error"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if decoded.JSONRPC != "2.0" || decoded.ID != 42 {
		t.Fatalf("unexpected envelope: %s", data)
	}
	if decoded.Error == nil || decoded.Error.Code != CodeMethodNotAllowed {
		t.Fatalf("expected code %d, got %+v", CodeMethodNotAllowed, decoded.Error)
	}
	if decoded.Error.Message != `method "admin_addPeer" not allowed` {
		t.Fatalf("expected method name in message, got %q", decoded.Error.Message)
	}
}

func TestEnvelopeFindByID(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`[{"id":1,"result":"a"},{"id":2,"result":"b"}]`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg := env.FindByID("2"); msg == nil || string(msg.Result) != `"b"` {
		t.Fatalf("expected to find id 2, got %+v", msg)
	}
	if msg := env.FindByID("3"); msg != nil {
		t.Fatalf("expected nil for unknown id, got %+v", msg)
	}
}
