// Package gate intercepts the two methods a view must never drive unattended:
// transaction submission, which requires a user decision from a privileged
// confirmation surface, and contract compilation, which is handled locally and
// never reaches the daemon.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"nodegate/compiler"
	"nodegate/observability"
	"nodegate/observability/logging"
	"nodegate/rpc"
)

const (
	methodSendTransaction = "eth_sendTransaction"
	methodCompileSolidity = "eth_compileSolidity"
)

// Decision is the confirmation outcome for one transaction. A non-zero Gas
// replaces the gas parameter of the forwarded request.
type Decision struct {
	Approved bool
	Gas      uint64
}

// ConfirmRequest is handed to the confirmation surface.
type ConfirmRequest struct {
	ID     string          `json:"id"`
	ViewID uint64          `json:"viewId"`
	Tx     json.RawMessage `json:"tx"`
}

// Confirmer presents a transaction to the user and reports the decision.
// Implementations resolve exactly once; a surface closed without deciding
// returns ErrAbandoned.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (Decision, error)
}

// View identifies the surface a gated request came from.
type View interface {
	ID() uint64
}

// Result is the outcome of gating one envelope: the part that continues to
// the daemon (nil when nothing does) and locally synthesized responses.
type Result struct {
	Forward *rpc.Envelope
	Local   []*rpc.Message
}

type Gate struct {
	confirmer Confirmer
	compiler  compiler.Compiler
	log       *slog.Logger
}

func New(confirmer Confirmer, comp compiler.Compiler, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{confirmer: confirmer, compiler: comp, log: log.With("component", "gate")}
}

// Process applies the gate to a filtered envelope. Batches containing a gated
// method are rejected wholesale; no element of such a batch is forwarded.
func (g *Gate) Process(ctx context.Context, view View, env *rpc.Envelope) Result {
	if env == nil || len(env.Messages) == 0 {
		return Result{}
	}
	if env.Batch {
		if env.HasMethod(methodSendTransaction) {
			return Result{Local: denyAll(env, rpc.ErrBatchTransactionDenied())}
		}
		if env.HasMethod(methodCompileSolidity) {
			return Result{Local: denyAll(env, rpc.ErrBatchCompileDenied())}
		}
		return Result{Forward: env}
	}

	msg := env.Messages[0]
	switch msg.Method {
	case methodSendTransaction:
		return g.confirmTransaction(ctx, view, env, msg)
	case methodCompileSolidity:
		return Result{Local: []*rpc.Message{g.compile(ctx, msg)}}
	default:
		return Result{Forward: env}
	}
}

func (g *Gate) confirmTransaction(ctx context.Context, view View, env *rpc.Envelope, msg *rpc.Message) Result {
	tx, err := transactionParams(msg)
	if err != nil {
		return Result{Local: []*rpc.Message{rpc.NewErrorResponse(msg.ID, &rpc.Error{
			Code:    rpc.CodeInvalidParams,
			Message: err.Error(),
		})}}
	}

	req := ConfirmRequest{ID: uuid.NewString(), ViewID: view.ID(), Tx: tx}
	g.log.Info("transaction confirmation requested", "view", view.ID(), logging.MaskField("tx", string(tx)))
	observability.Confirmations().RecordPrompt()
	decision, err := g.confirmer.Confirm(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrAbandoned) && !errors.Is(err, context.Canceled) {
			g.log.Warn("confirmation failed", "view", view.ID(), "error", err)
		}
		observability.Confirmations().RecordDecision("abandoned")
		return Result{Local: []*rpc.Message{rpc.NewErrorResponse(msg.ID, rpc.ErrTransactionDenied())}}
	}
	if !decision.Approved {
		observability.Confirmations().RecordDecision("denied")
		return Result{Local: []*rpc.Message{rpc.NewErrorResponse(msg.ID, rpc.ErrTransactionDenied())}}
	}
	observability.Confirmations().RecordDecision("approved")
	if decision.Gas > 0 {
		if err := amendGas(msg, decision.Gas); err != nil {
			g.log.Error("gas amendment failed", "view", view.ID(), "error", err)
			return Result{Local: []*rpc.Message{rpc.NewErrorResponse(msg.ID, &rpc.Error{
				Code:    rpc.CodeInternalError,
				Message: "failed to apply amended gas",
			})}}
		}
	}
	return Result{Forward: env}
}

func (g *Gate) compile(ctx context.Context, msg *rpc.Message) *rpc.Message {
	var params []string
	if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
		return rpc.NewErrorResponse(msg.ID, &rpc.Error{
			Code:    rpc.CodeInvalidParams,
			Message: "compileSolidity expects a single source string",
		})
	}

	artifacts, err := g.compiler.Compile(ctx, params[0])
	observability.Confirmations().RecordCompile(err)
	if err != nil {
		var compileErr *compiler.Error
		if errors.As(err, &compileErr) {
			return rpc.NewErrorResponse(msg.ID, rpc.ErrCompileFailed(compileErr.Diagnostics))
		}
		g.log.Error("compiler unavailable", "error", err)
		return rpc.NewErrorResponse(msg.ID, &rpc.Error{
			Code:    rpc.CodeServerError,
			Message: "compiler unavailable",
		})
	}

	return rpc.NewResultResponse(msg.ID, artifacts)
}

// transactionParams extracts and validates the transaction object. Quantity
// fields must be well-formed hex so a malformed transaction is refused before
// it is shown to the user.
func transactionParams(msg *rpc.Message) (json.RawMessage, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
		return nil, errors.New("sendTransaction expects a transaction object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params[0], &fields); err != nil {
		return nil, errors.New("sendTransaction expects a transaction object")
	}
	for _, quantity := range []string{"gas", "gasPrice", "value", "nonce"} {
		raw, ok := fields[quantity]
		if !ok {
			continue
		}
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, errors.New("transaction " + quantity + " must be a hex quantity string")
		}
		if _, err := uint256.FromHex(encoded); err != nil {
			return nil, errors.New("transaction " + quantity + " is not a valid hex quantity")
		}
	}
	return params[0], nil
}

// amendGas rewrites the gas field of the transaction object with the approved
// amount.
func amendGas(msg *rpc.Message, gas uint64) error {
	var params []json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
		return errors.New("gate: transaction params vanished during confirmation")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params[0], &fields); err != nil {
		return err
	}
	encoded, err := json.Marshal(hexutil.EncodeUint64(gas))
	if err != nil {
		return err
	}
	fields["gas"] = encoded
	amended, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	params[0] = amended
	rebuilt, err := json.Marshal(params)
	if err != nil {
		return err
	}
	msg.SetParams(rebuilt)
	return nil
}

func denyAll(env *rpc.Envelope, rpcErr *rpc.Error) []*rpc.Message {
	out := make([]*rpc.Message, 0, len(env.Messages))
	for _, msg := range env.Messages {
		id := msg.ID
		if !msg.HasID() {
			id = json.RawMessage("null")
		}
		out = append(out, rpc.NewErrorResponse(id, rpcErr))
	}
	return out
}
