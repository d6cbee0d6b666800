package policy

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"nodegate/rpc"
)

// View is the slice of a UI-surface handle the filter consults.
type View interface {
	ID() uint64
	Privileged() bool
}

// AccountSource resolves the account addresses a view is allowed to observe.
type AccountSource interface {
	AllowedAccounts(viewID uint64) []common.Address
}

// allowedNamespaces lists the method prefixes untrusted views may call:
// account and contract state, whisper, network info, introspection, and the
// node's raw key-value store. Everything else (admin, miner, personal, debug)
// stays privileged.
var allowedNamespaces = []string{"eth_", "shh_", "net_", "web3_", "db_"}

// accountListMethod is the response whose result is narrowed per view.
const accountListMethod = "eth_accounts"

// MethodAllowed reports whether an untrusted view may call the method.
func MethodAllowed(method string) bool {
	for _, prefix := range allowedNamespaces {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// Filter enforces the capability policy: method allow-listing on the way out,
// account narrowing on the way back. Privileged views bypass both.
type Filter struct {
	accounts AccountSource
}

func NewFilter(accounts AccountSource) *Filter {
	return &Filter{accounts: accounts}
}

// FilterRequest splits an outbound envelope into the part that may reach the
// daemon and synthesized error responses for rejected elements. Batches are
// filtered element-wise and the forwarded subset keeps the batch shape. The
// forwarded envelope is nil when nothing passes.
func (f *Filter) FilterRequest(view View, env *rpc.Envelope) (*rpc.Envelope, []*rpc.Message) {
	if view.Privileged() {
		return env, nil
	}
	forward := &rpc.Envelope{Batch: env.Batch}
	var rejected []*rpc.Message
	for _, msg := range env.Messages {
		switch {
		case !msg.IsRequest():
			rejected = append(rejected, rpc.NewErrorResponse(responseID(msg), &rpc.Error{
				Code:    rpc.CodeInvalidRequest,
				Message: "request carries no method",
			}))
		case !MethodAllowed(msg.Method):
			rejected = append(rejected, rpc.NewErrorResponse(responseID(msg), rpc.ErrMethodNotAllowed(msg.Method)))
		default:
			forward.Messages = append(forward.Messages, msg)
		}
	}
	if len(forward.Messages) == 0 {
		return nil, rejected
	}
	return forward, rejected
}

// FilterResponse narrows an inbound response before it reaches the view.
// requestMethod is the method of the request that registered the response's
// id; notifications pass through verbatim and never reach this point.
func (f *Filter) FilterResponse(view View, requestMethod string, msg *rpc.Message) *rpc.Message {
	if view.Privileged() || requestMethod != accountListMethod || msg.Error != nil {
		return msg
	}
	var listed []string
	if err := json.Unmarshal(msg.Result, &listed); err != nil {
		return msg
	}
	allowed := map[common.Address]struct{}{}
	if f.accounts != nil {
		for _, addr := range f.accounts.AllowedAccounts(view.ID()) {
			allowed[addr] = struct{}{}
		}
	}
	visible := make([]string, 0, len(listed))
	for _, account := range listed {
		if !common.IsHexAddress(account) {
			continue
		}
		if _, ok := allowed[common.HexToAddress(account)]; ok {
			visible = append(visible, account)
		}
	}
	narrowed, err := json.Marshal(visible)
	if err != nil {
		return msg
	}
	msg.SetResult(narrowed)
	return msg
}

// responseID returns the id to address a synthesized response to. Requests
// without an id still get a structurally valid response with a null id.
func responseID(msg *rpc.Message) json.RawMessage {
	if msg.HasID() {
		return msg.ID
	}
	return json.RawMessage("null")
}
