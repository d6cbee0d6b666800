package gate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"nodegate/compiler"
	"nodegate/rpc"
)

type testView uint64

func (v testView) ID() uint64 { return uint64(v) }

type scriptedConfirmer struct {
	decision Decision
	err      error
	seen     []ConfirmRequest
}

func (c *scriptedConfirmer) Confirm(ctx context.Context, req ConfirmRequest) (Decision, error) {
	c.seen = append(c.seen, req)
	return c.decision, c.err
}

type fakeCompiler struct {
	artifacts json.RawMessage
	err       error
	calls     int
}

func (f *fakeCompiler) Compile(ctx context.Context, source string) (json.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.artifacts, nil
}

func envelope(t *testing.T, payload string) *rpc.Envelope {
	t.Helper()
	env, err := rpc.DecodeEnvelope([]byte(payload))
	if err != nil {
		t.Fatalf("decode payload failed: %v", err)
	}
	return env
}

func TestApprovalWithAmendedGasForwards(t *testing.T) {
	confirmer := &scriptedConfirmer{decision: Decision{Approved: true, Gas: 21000}}
	g := New(confirmer, &fakeCompiler{}, nil)
	env := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"from":"0xaa","to":"0xbb","gas":"0x76c0","value":"0x1"}]}`)

	result := g.Process(context.Background(), testView(3), env)
	if result.Forward == nil || len(result.Local) != 0 {
		t.Fatalf("expected forwarded request, got %+v", result)
	}
	if len(confirmer.seen) != 1 || confirmer.seen[0].ViewID != 3 {
		t.Fatalf("expected confirmation request for view 3, got %+v", confirmer.seen)
	}
	if confirmer.seen[0].ID == "" {
		t.Fatal("expected confirmation id to be assigned")
	}

	data, err := result.Forward.Bytes()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded struct {
		Params []struct {
			Gas string `json:"gas"`
			To  string `json:"to"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if len(decoded.Params) != 1 || decoded.Params[0].Gas != "0x5208" {
		t.Fatalf("expected amended gas 0x5208, got %s", data)
	}
	if decoded.Params[0].To != "0xbb" {
		t.Fatalf("expected other fields intact, got %s", data)
	}
}

func TestApprovalWithoutGasKeepsOriginal(t *testing.T) {
	confirmer := &scriptedConfirmer{decision: Decision{Approved: true}}
	g := New(confirmer, &fakeCompiler{}, nil)
	env := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"gas":"0x76c0"}]}`)

	result := g.Process(context.Background(), testView(1), env)
	if result.Forward == nil {
		t.Fatalf("expected forwarded request, got %+v", result)
	}
	data, _ := result.Forward.Bytes()
	var decoded struct {
		Params []struct {
			Gas string `json:"gas"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if decoded.Params[0].Gas != "0x76c0" {
		t.Fatalf("expected original gas kept, got %s", data)
	}
}

func TestDenialNeverForwards(t *testing.T) {
	confirmer := &scriptedConfirmer{decision: Decision{Approved: false}}
	g := New(confirmer, &fakeCompiler{}, nil)
	env := envelope(t, `{"jsonrpc":"2.0","id":9,"method":"eth_sendTransaction","params":[{}]}`)

	result := g.Process(context.Background(), testView(1), env)
	if result.Forward != nil {
		t.Fatal("denied transaction must not be forwarded")
	}
	if len(result.Local) != 1 || result.Local[0].Error == nil {
		t.Fatalf("expected denial error, got %+v", result.Local)
	}
	if result.Local[0].Error.Code != rpc.CodeActionDenied {
		t.Fatalf("expected code %d, got %d", rpc.CodeActionDenied, result.Local[0].Error.Code)
	}
	if result.Local[0].IDKey() != "9" {
		t.Fatalf("expected original id, got %s", result.Local[0].IDKey())
	}
}

func TestAbandonedConfirmationDenies(t *testing.T) {
	confirmer := &scriptedConfirmer{err: ErrAbandoned}
	g := New(confirmer, &fakeCompiler{}, nil)
	env := envelope(t, `{"jsonrpc":"2.0","id":2,"method":"eth_sendTransaction","params":[{}]}`)

	result := g.Process(context.Background(), testView(1), env)
	if result.Forward != nil || len(result.Local) != 1 {
		t.Fatalf("expected denial, got %+v", result)
	}
	if result.Local[0].Error == nil || result.Local[0].Error.Code != rpc.CodeActionDenied {
		t.Fatalf("expected denial error, got %+v", result.Local[0].Error)
	}
}

func TestInvalidQuantityRejectedBeforeConfirmation(t *testing.T) {
	confirmer := &scriptedConfirmer{decision: Decision{Approved: true}}
	g := New(confirmer, &fakeCompiler{}, nil)
	env := envelope(t, `{"jsonrpc":"2.0","id":4,"method":"eth_sendTransaction","params":[{"gas":"0xzz"}]}`)

	result := g.Process(context.Background(), testView(1), env)
	if result.Forward != nil {
		t.Fatal("malformed transaction must not be forwarded")
	}
	if len(confirmer.seen) != 0 {
		t.Fatal("malformed transaction must not reach the confirmation surface")
	}
	if len(result.Local) != 1 || result.Local[0].Error == nil || result.Local[0].Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %+v", result.Local)
	}
}

func TestBatchWithSendTransactionRejectedWholesale(t *testing.T) {
	confirmer := &scriptedConfirmer{decision: Decision{Approved: true}}
	g := New(confirmer, &fakeCompiler{}, nil)
	env := envelope(t, `[{"id":1,"method":"eth_getBalance","params":[]},{"id":2,"method":"eth_sendTransaction","params":[{}]},{"id":3,"method":"net_version","params":[]}]`)

	result := g.Process(context.Background(), testView(1), env)
	if result.Forward != nil {
		t.Fatal("expected zero elements forwarded")
	}
	if len(result.Local) != 3 {
		t.Fatalf("expected a denial per element, got %d", len(result.Local))
	}
	for i, msg := range result.Local {
		if msg.Error == nil || msg.Error.Code != rpc.CodeActionDenied {
			t.Fatalf("element %d: expected denial, got %+v", i, msg.Error)
		}
	}
	if len(confirmer.seen) != 0 {
		t.Fatal("batch rejection must not open a confirmation")
	}
}

func TestBatchWithCompileRejectedWholesale(t *testing.T) {
	comp := &fakeCompiler{artifacts: json.RawMessage(`{}`)}
	g := New(&scriptedConfirmer{}, comp, nil)
	env := envelope(t, `[{"id":1,"method":"eth_compileSolidity","params":["contract A {}"]}]`)

	result := g.Process(context.Background(), testView(1), env)
	if result.Forward != nil || len(result.Local) != 1 {
		t.Fatalf("expected wholesale rejection, got %+v", result)
	}
	if comp.calls != 0 {
		t.Fatal("batched compile must not invoke the compiler")
	}
}

func TestCompileHandledLocally(t *testing.T) {
	comp := &fakeCompiler{artifacts: json.RawMessage(`{"contracts":{"A":{}}}`)}
	g := New(&scriptedConfirmer{}, comp, nil)
	env := envelope(t, `{"jsonrpc":"2.0","id":5,"method":"eth_compileSolidity","params":["contract A {}"]}`)

	result := g.Process(context.Background(), testView(1), env)
	if result.Forward != nil {
		t.Fatal("compile must not reach the daemon")
	}
	if len(result.Local) != 1 {
		t.Fatalf("expected local response, got %+v", result)
	}
	resp := result.Local[0]
	if resp.IDKey() != "5" || string(resp.Result) != `{"contracts":{"A":{}}}` {
		t.Fatalf("unexpected local response: %+v", resp)
	}
	data, err := resp.Bytes()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded struct {
		JSONRPC string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.JSONRPC != "2.0" {
		t.Fatalf("expected versioned response, got %s", data)
	}
}

func TestCompileFailureCarriesDiagnostics(t *testing.T) {
	comp := &fakeCompiler{err: &compiler.Error{Diagnostics: "ParserError: expected ';'"}}
	g := New(&scriptedConfirmer{}, comp, nil)
	env := envelope(t, `{"jsonrpc":"2.0","id":6,"method":"eth_compileSolidity","params":["contract {"]}`)

	result := g.Process(context.Background(), testView(1), env)
	if len(result.Local) != 1 || result.Local[0].Error == nil {
		t.Fatalf("expected error envelope, got %+v", result.Local)
	}
	rpcErr := result.Local[0].Error
	if rpcErr.Code != rpc.CodeServerError {
		t.Fatalf("expected server error code, got %d", rpcErr.Code)
	}
	var diagnostics string
	if err := json.Unmarshal(rpcErr.Data, &diagnostics); err != nil {
		t.Fatalf("decode diagnostics failed: %v", err)
	}
	if diagnostics != "ParserError: expected ';'" {
		t.Fatalf("expected diagnostics preserved, got %q", diagnostics)
	}
}

func TestOtherMethodsPassThrough(t *testing.T) {
	g := New(&scriptedConfirmer{}, &fakeCompiler{}, nil)
	env := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"eth_getBalance","params":[]}`)
	result := g.Process(context.Background(), testView(1), env)
	if result.Forward != env || len(result.Local) != 0 {
		t.Fatalf("expected pass-through, got %+v", result)
	}
}

func TestDecisionCellFirstWriterWins(t *testing.T) {
	cell := NewDecisionCell()

	var wg sync.WaitGroup
	wins := make(chan string, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if cell.Resolve(Decision{Approved: true}) {
			wins <- "resolve"
		}
	}()
	go func() {
		defer wg.Done()
		if cell.Abandon() {
			wins <- "abandon"
		}
	}()
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	decision, err := cell.Wait(ctx)
	switch winners[0] {
	case "resolve":
		if err != nil || !decision.Approved {
			t.Fatalf("expected approved decision, got %+v %v", decision, err)
		}
	case "abandon":
		if !errors.Is(err, ErrAbandoned) {
			t.Fatalf("expected ErrAbandoned, got %v", err)
		}
	}
}

func TestDecisionCellLaterSignalsIgnored(t *testing.T) {
	cell := NewDecisionCell()
	if !cell.Resolve(Decision{Approved: false}) {
		t.Fatal("first resolve should win")
	}
	if cell.Resolve(Decision{Approved: true}) {
		t.Fatal("second resolve should lose")
	}
	if cell.Abandon() {
		t.Fatal("abandon after resolve should lose")
	}

	decision, err := cell.Wait(context.Background())
	if err != nil || decision.Approved {
		t.Fatalf("expected first decision to stick, got %+v %v", decision, err)
	}
}
