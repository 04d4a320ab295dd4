package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/telecare/internal/protocol"
)

type options struct {
	baseURL     string
	pairs       int
	calls       int
	callType    string
	holdFor     time.Duration
	stepTimeout time.Duration
	verbose     bool
}

type wsEnvelope struct {
	Type          string `json:"type"`
	ConnectionID  string `json:"connectionId,omitempty"`
	CallSessionID string `json:"callSessionId,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// client is one synthetic websocket participant. Only the goroutine driving
// its pair writes to conn.
type client struct {
	conn   *websocket.Conn
	id     string
	events chan wsEnvelope
	errs   chan error
}

type recorder struct {
	mu      sync.Mutex
	samples map[string][]float64
	failed  int
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var holdMS int
	var stepTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "telecare base URL")
	flag.IntVar(&cfg.pairs, "pairs", 4, "number of concurrent caller/recipient pairs")
	flag.IntVar(&cfg.calls, "calls", 10, "calls placed by each pair")
	flag.StringVar(&cfg.callType, "call-type", "video", "call type sent with initiate-call (audio|video)")
	flag.IntVar(&holdMS, "hold-ms", 50, "time an accepted call stays up before end-call in milliseconds")
	flag.IntVar(&stepTimeoutMS, "step-timeout-ms", 5000, "timeout waiting for each server event in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print per-call progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.pairs <= 0 {
		return options{}, fmt.Errorf("pairs must be > 0")
	}
	if cfg.calls <= 0 {
		return options{}, fmt.Errorf("calls must be > 0")
	}
	cfg.callType = strings.ToLower(strings.TrimSpace(cfg.callType))
	if cfg.callType != "audio" && cfg.callType != "video" {
		return options{}, fmt.Errorf("call-type must be audio or video")
	}
	if holdMS < 0 {
		holdMS = 0
	}
	if stepTimeoutMS < 100 {
		stepTimeoutMS = 100
	}
	cfg.holdFor = time.Duration(holdMS) * time.Millisecond
	cfg.stepTimeout = time.Duration(stepTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	wsURL, err := signalingURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	rec := &recorder{samples: make(map[string][]float64)}
	started := time.Now()

	var wg sync.WaitGroup
	errCh := make(chan error, cfg.pairs)
	for i := 0; i < cfg.pairs; i++ {
		wg.Add(1)
		go func(pair int) {
			defer wg.Done()
			if err := runPair(ctx, cfg, wsURL, pair, rec); err != nil {
				errCh <- fmt.Errorf("pair %d: %w", pair, err)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	printReport(rec, cfg, time.Since(started))
	return firstErr
}

func runPair(ctx context.Context, cfg options, wsURL string, pair int, rec *recorder) error {
	callerID := fmt.Sprintf("perf-caller-%d", pair)
	recipientID := fmt.Sprintf("perf-recipient-%d", pair)

	caller, err := dial(ctx, wsURL, cfg.stepTimeout)
	if err != nil {
		return fmt.Errorf("caller dial: %w", err)
	}
	defer caller.conn.Close()
	recipient, err := dial(ctx, wsURL, cfg.stepTimeout)
	if err != nil {
		return fmt.Errorf("recipient dial: %w", err)
	}
	defer recipient.conn.Close()

	if err := caller.send(protocol.RegisterUser{Type: protocol.TypeRegisterUser, UserID: callerID, UserName: "Perf Caller", UserType: "doctor"}); err != nil {
		return fmt.Errorf("register caller: %w", err)
	}
	if err := recipient.send(protocol.RegisterUser{Type: protocol.TypeRegisterUser, UserID: recipientID, UserName: "Perf Recipient", UserType: "patient"}); err != nil {
		return fmt.Errorf("register recipient: %w", err)
	}
	// Registration has no ack; round-trip a presence query so both are visible.
	for _, c := range []*client{caller, recipient} {
		if err := c.send(protocol.GetOnlineUsers{Type: protocol.TypeGetOnlineUsers}); err != nil {
			return fmt.Errorf("get online users: %w", err)
		}
		if _, err := c.await(ctx, protocol.TypeOnlineUsers, cfg.stepTimeout); err != nil {
			return fmt.Errorf("await online-users: %w", err)
		}
	}

	for i := 0; i < cfg.calls; i++ {
		if err := placeCall(ctx, cfg, caller, recipient, callerID, recipientID, rec); err != nil {
			rec.fail()
			return fmt.Errorf("call %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("perfcall: pair=%d call %d/%d ok\n", pair, i+1, cfg.calls)
		}
	}
	return nil
}

func placeCall(ctx context.Context, cfg options, caller, recipient *client, callerID, recipientID string, rec *recorder) error {
	t0 := time.Now()
	if err := caller.send(protocol.InitiateCall{Type: protocol.TypeInitiateCall, RecipientID: recipientID, CallType: cfg.callType}); err != nil {
		return fmt.Errorf("send initiate-call: %w", err)
	}
	incoming, err := recipient.await(ctx, protocol.TypeIncomingCall, cfg.stepTimeout)
	if err != nil {
		return fmt.Errorf("await incoming-call: %w", err)
	}
	rec.observe("initiate_to_incoming", time.Since(t0))
	if _, err := caller.await(ctx, protocol.TypeCallInitiated, cfg.stepTimeout); err != nil {
		return fmt.Errorf("await call-initiated: %w", err)
	}

	t1 := time.Now()
	if err := recipient.send(protocol.AcceptCall{Type: protocol.TypeAcceptCall, CallSessionID: incoming.CallSessionID, CallerID: callerID}); err != nil {
		return fmt.Errorf("send accept-call: %w", err)
	}
	if _, err := caller.await(ctx, protocol.TypeCallAccepted, cfg.stepTimeout); err != nil {
		return fmt.Errorf("await call-accepted: %w", err)
	}
	rec.observe("accept_to_accepted", time.Since(t1))
	if _, err := recipient.await(ctx, protocol.TypeCallConfirmed, cfg.stepTimeout); err != nil {
		return fmt.Errorf("await call-confirmed: %w", err)
	}

	if cfg.holdFor > 0 {
		time.Sleep(cfg.holdFor)
	}

	t2 := time.Now()
	if err := caller.send(protocol.EndCall{Type: protocol.TypeEndCall, CallSessionID: incoming.CallSessionID}); err != nil {
		return fmt.Errorf("send end-call: %w", err)
	}
	for _, c := range []*client{caller, recipient} {
		if _, err := c.await(ctx, protocol.TypeCallEnded, cfg.stepTimeout); err != nil {
			return fmt.Errorf("await call-ended: %w", err)
		}
	}
	rec.observe("end_to_ended", time.Since(t2))
	return nil
}

func dial(ctx context.Context, wsURL string, timeout time.Duration) (*client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	c := &client{
		conn:   conn,
		events: make(chan wsEnvelope, 64),
		errs:   make(chan error, 1),
	}
	go readLoop(conn, c.events, c.errs)

	ready, err := c.await(ctx, protocol.TypeConnectionReady, timeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await connection-ready: %w", err)
	}
	c.id = ready.ConnectionID
	return c, nil
}

func (c *client) send(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// await returns the next event of type want. Other events are skipped;
// call-error, user-offline and user-busy fail the wait.
func (c *client) await(ctx context.Context, want protocol.MessageType, timeout time.Duration) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-c.events:
			switch protocol.MessageType(env.Type) {
			case want:
				return env, nil
			case protocol.TypeCallError:
				return wsEnvelope{}, fmt.Errorf("call-error code=%s message=%s", env.Code, env.Message)
			case protocol.TypeUserOffline, protocol.TypeUserBusy:
				return wsEnvelope{}, fmt.Errorf("server replied %s", env.Type)
			}
		case err := <-c.errs:
			return wsEnvelope{}, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timed out after %s waiting for %s", timeout, want)
		case <-ctx.Done():
			return wsEnvelope{}, ctx.Err()
		}
	}
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- env
	}
}

func signalingURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/signal/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func (r *recorder) observe(stage string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[stage] = append(r.samples[stage], float64(d.Microseconds())/1000)
}

func (r *recorder) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

type stageSummary struct {
	Stage   string
	Samples int
	P50MS   float64
	P95MS   float64
	P99MS   float64
	MaxMS   float64
}

func (r *recorder) summarize() []stageSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]stageSummary, 0, len(r.samples))
	for stage, values := range r.samples {
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		out = append(out, stageSummary{
			Stage:   stage,
			Samples: len(sorted),
			P50MS:   percentile(sorted, 0.50),
			P95MS:   percentile(sorted, 0.95),
			P99MS:   percentile(sorted, 0.99),
			MaxMS:   percentile(sorted, 1),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// percentile uses nearest rank on an ascending slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(q*float64(len(sorted)) + 0.999999)
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func printReport(rec *recorder, cfg options, elapsed time.Duration) {
	fmt.Printf("perfcall: pairs=%d calls_per_pair=%d call_type=%s elapsed=%s failed=%d\n",
		cfg.pairs, cfg.calls, cfg.callType, elapsed.Round(time.Millisecond), rec.failed)
	for _, s := range rec.summarize() {
		fmt.Printf("  %-22s n=%-5d p50=%7.2fms p95=%7.2fms p99=%7.2fms max=%7.2fms\n",
			s.Stage, s.Samples, s.P50MS, s.P95MS, s.P99MS, s.MaxMS)
	}
}
