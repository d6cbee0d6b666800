package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"nodegate/bridge"
)

var (
	bridgeAddr  = flag.String("addr", "ws://127.0.0.1:8546/ws", "bridge websocket endpoint")
	kindFlag    = flag.String("kind", "main", "surface kind: main, popup, or embedded")
	timeoutFlag = flag.Duration("timeout", 30*time.Second, "overall command timeout")
	gasFlag     = flag.Uint64("gas", 0, "gas to attach when approving transactions")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}
	if err := runCommand(args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: gatectl [flags] <command> [args]

Commands:
  call <json | method [params...]>   blocking request, prints the response
  send <json | method [params...]>   fire-and-forget request, prints any push
  watch                              connect and print every push until timeout
  approve                            host confirmations, approving everything

Flags:`)
	flag.PrintDefaults()
}

func runCommand(command string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	switch command {
	case "call":
		return call(ctx, args)
	case "send":
		return send(ctx, args)
	case "watch":
		return watch(ctx)
	case "approve":
		return approve(ctx)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func call(ctx context.Context, args []string) error {
	payload, err := buildPayload(args)
	if err != nil {
		return err
	}
	sock, err := connect(ctx, *kindFlag)
	if err != nil {
		return err
	}
	defer sock.Close(websocket.StatusNormalClosure, "done")

	if err := writeCommand(ctx, sock, bridge.Command{Op: bridge.OpWriteSync, Seq: 1, Payload: payload}); err != nil {
		return err
	}
	for {
		ev, _, err := readEvent(ctx, sock)
		if err != nil {
			return err
		}
		switch ev.Type {
		case bridge.EventReply:
			if ev.Seq == 1 {
				fmt.Println(string(ev.Payload))
				return nil
			}
		case bridge.EventError, bridge.EventTimeout, bridge.EventEnd:
			return fmt.Errorf("node connection %s: %s", ev.Type, ev.Info)
		}
	}
}

func send(ctx context.Context, args []string) error {
	payload, err := buildPayload(args)
	if err != nil {
		return err
	}
	sock, err := connect(ctx, *kindFlag)
	if err != nil {
		return err
	}
	defer sock.Close(websocket.StatusNormalClosure, "done")

	if err := writeCommand(ctx, sock, bridge.Command{Op: bridge.OpWrite, Payload: payload}); err != nil {
		return err
	}

	// Give the async response a moment to come back before hanging up.
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for {
		ev, _, err := readEvent(waitCtx, sock)
		if err != nil {
			return nil
		}
		if ev.Type == bridge.EventData {
			fmt.Println(string(ev.Payload))
			return nil
		}
	}
}

func watch(ctx context.Context) error {
	sock, err := connect(ctx, *kindFlag)
	if err != nil {
		return err
	}
	defer sock.Close(websocket.StatusNormalClosure, "done")

	if err := writeCommand(ctx, sock, bridge.Command{Op: bridge.OpCreate, Seq: 1}); err != nil {
		return err
	}
	for {
		_, raw, err := readEvent(ctx, sock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(string(raw))
	}
}

func approve(ctx context.Context) error {
	sock, err := connect(ctx, string(bridge.KindMain))
	if err != nil {
		return err
	}
	defer sock.Close(websocket.StatusNormalClosure, "done")

	fmt.Fprintln(os.Stderr, "hosting confirmations, approving everything")
	for {
		ev, _, err := readEvent(ctx, sock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev.Type != bridge.EventConfirm {
			continue
		}
		fmt.Printf("approving %s: %s\n", ev.ID, ev.Tx)
		decision := bridge.Command{Op: bridge.OpDecision, ID: ev.ID, Approved: true, Gas: *gasFlag}
		if err := writeCommand(ctx, sock, decision); err != nil {
			return err
		}
	}
}

func connect(ctx context.Context, kind string) (*websocket.Conn, error) {
	endpoint := *bridgeAddr
	if strings.Contains(endpoint, "?") {
		endpoint += "&kind=" + kind
	} else {
		endpoint += "?kind=" + kind
	}
	sock, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	ev, _, err := readEvent(ctx, sock)
	if err != nil {
		sock.Close(websocket.StatusProtocolError, "no session event")
		return nil, err
	}
	if ev.Type != bridge.EventSession {
		sock.Close(websocket.StatusProtocolError, "no session event")
		return nil, fmt.Errorf("expected session event, got %q", ev.Type)
	}
	fmt.Fprintf(os.Stderr, "session %d (%s)\n", ev.ViewID, ev.Kind)
	return sock, nil
}

func readEvent(ctx context.Context, sock *websocket.Conn) (bridge.Event, []byte, error) {
	_, data, err := sock.Read(ctx)
	if err != nil {
		return bridge.Event{}, nil, err
	}
	var ev bridge.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return bridge.Event{}, nil, fmt.Errorf("malformed event %q: %w", data, err)
	}
	return ev, data, nil
}

func writeCommand(ctx context.Context, sock *websocket.Conn, cmd bridge.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return sock.Write(ctx, websocket.MessageText, data)
}

// buildPayload accepts either one raw JSON argument or a method name followed
// by params. Bare params that are not valid JSON are sent as strings.
func buildPayload(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, errors.New("missing request: pass raw JSON or a method name")
	}
	if len(args) == 1 && json.Valid([]byte(args[0])) && strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		return json.RawMessage(args[0]), nil
	}
	params := make([]json.RawMessage, 0, len(args)-1)
	for _, arg := range args[1:] {
		if json.Valid([]byte(arg)) {
			params = append(params, json.RawMessage(arg))
			continue
		}
		quoted, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		params = append(params, quoted)
	}
	req := struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      int               `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params"`
	}{JSONRPC: "2.0", ID: 1, Method: args[0], Params: params}
	return json.Marshal(req)
}
