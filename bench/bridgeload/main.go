package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"nodegate/bridge"

	"nhooyr.io/websocket"
)

const (
	defaultDuration = time.Minute
	defaultRate     = 600 // sync calls per minute across all surfaces
)

type latencyTracker struct {
	mu        sync.Mutex
	pending   map[string]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[string]time.Time)}
}

func (lt *latencyTracker) track(key string, at time.Time) {
	lt.mu.Lock()
	lt.pending[key] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(key string, at time.Time) {
	lt.mu.Lock()
	start, ok := lt.pending[key]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, key)
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

type surface struct {
	index int
	conn  *websocket.Conn
	view  uint64
}

func main() {
	var (
		bridgeURL    string
		kindFlag     string
		surfaceCount int
		callRate     int
		durationFlag time.Duration
		methodFlag   string
	)
	flag.StringVar(&bridgeURL, "bridge", "ws://127.0.0.1:8546/ws", "bridge WebSocket endpoint")
	flag.StringVar(&kindFlag, "kind", "main", "surface kind to register as")
	flag.IntVar(&surfaceCount, "surfaces", 4, "number of concurrent surface sessions")
	flag.IntVar(&callRate, "rate", defaultRate, "target rate of sync calls per minute, aggregate")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.StringVar(&methodFlag, "method", "eth_blockNumber", "method each sync call invokes")
	flag.Parse()

	if surfaceCount <= 0 {
		log.Fatalf("surfaces must be positive, got %d", surfaceCount)
	}
	if callRate <= 0 {
		log.Fatalf("rate must be positive, got %d", callRate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}
	parsed, err := url.Parse(bridgeURL)
	if err != nil {
		log.Fatalf("parse bridge url: %v", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
	default:
		parsed.Scheme = "ws"
	}
	query := parsed.Query()
	query.Set("kind", kindFlag)
	parsed.RawQuery = query.Encode()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracker := newLatencyTracker()

	surfaces := make([]*surface, 0, surfaceCount)
	for i := 0; i < surfaceCount; i++ {
		s, err := openSurface(ctx, parsed.String(), i)
		if err != nil {
			log.Fatalf("open surface %d: %v", i, err)
		}
		defer s.conn.Close(websocket.StatusNormalClosure, "load complete")
		surfaces = append(surfaces, s)
	}

	readCtx, readCancel := context.WithCancel(ctx)
	defer readCancel()
	for _, s := range surfaces {
		go consumeReplies(readCtx, s, tracker)
	}

	interval := time.Minute * time.Duration(surfaceCount) / time.Duration(callRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	payload := buildCallPayload(methodFlag)
	deadline := time.Now().Add(durationFlag)

	var wg sync.WaitGroup
	var submitted int64
	var submittedMu sync.Mutex
	for _, s := range surfaces {
		wg.Add(1)
		go func(s *surface) {
			defer wg.Done()
			seq := uint64(1)
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return
				default:
				}
				seq++
				if err := submitSyncCall(ctx, s, seq, payload); err != nil {
					log.Printf("surface %d call %d failed: %v", s.index, seq, err)
				} else {
					tracker.track(callKey(s.index, seq), time.Now())
					submittedMu.Lock()
					submitted++
					submittedMu.Unlock()
				}
				time.Sleep(interval)
			}
		}(s)
	}
	wg.Wait()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		_, remaining := tracker.snapshot()
		log.Printf("replies still pending for %d calls", remaining)
	}

	readCancel()

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, submitted)
}

// openSurface dials the bridge, waits for the session event, and asks for a
// node connection so the pacing loop starts against a writable view.
func openSurface(ctx context.Context, wsURL string, index int) (*surface, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	dialCancel()
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	s := &surface{index: index, conn: conn}

	ev, err := readEvent(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		return nil, fmt.Errorf("read session event: %w", err)
	}
	if ev.Type != bridge.EventSession {
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		return nil, fmt.Errorf("expected session event, got %q", ev.Type)
	}
	s.view = ev.ViewID

	if err := writeCommand(ctx, conn, bridge.Command{Op: bridge.OpCreate, Seq: 1}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		return nil, fmt.Errorf("create view: %w", err)
	}
	for {
		ev, err := readEvent(ctx, conn)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "setup failed")
			return nil, fmt.Errorf("read create reply: %w", err)
		}
		if ev.Type == bridge.EventReply && ev.Seq == 1 {
			return s, nil
		}
	}
}

func consumeReplies(ctx context.Context, s *surface, tracker *latencyTracker) {
	for {
		ev, err := readEvent(ctx, s.conn)
		if err != nil {
			return
		}
		switch ev.Type {
		case bridge.EventReply:
			tracker.finalize(callKey(s.index, ev.Seq), time.Now())
		case bridge.EventError, bridge.EventTimeout, bridge.EventEnd:
			log.Printf("surface %d: node connection %s: %s", s.index, ev.Type, ev.Info)
		}
	}
}

func submitSyncCall(ctx context.Context, s *surface, seq uint64, payload json.RawMessage) error {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(payload, &base); err != nil {
		return fmt.Errorf("decode payload template: %w", err)
	}
	base["id"] = json.RawMessage(fmt.Sprintf("%d", seq))
	body, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("encode call: %w", err)
	}
	return writeCommand(ctx, s.conn, bridge.Command{Op: bridge.OpWriteSync, Seq: seq, Payload: body})
}

func buildCallPayload(method string) json.RawMessage {
	data, _ := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}{JSONRPC: "2.0", ID: 1, Method: method, Params: []any{}})
	return data
}

func callKey(index int, seq uint64) string {
	return fmt.Sprintf("%d/%d", index, seq)
}

func readEvent(ctx context.Context, conn *websocket.Conn) (bridge.Event, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return bridge.Event{}, err
	}
	var ev bridge.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return bridge.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func writeCommand(ctx context.Context, conn *websocket.Conn, cmd bridge.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func reportLoadSummary(latencies []time.Duration, pending int, submitted int64) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("Bridge loader submitted %d sync calls", submitted)
	log.Printf("Answered %d calls (pending: %d)", len(latencies), pending)
	log.Printf("Latency avg=%s max=%s", avg, max)
	if pending > 0 {
		os.Exit(1)
	}
}
