// Command loadtest drives the quick-match flow against a running gateway.
// Every simulated user connects with a freshly signed token, joins the
// queue, reports the call as connected once matched, then hangs up. It
// prints time-to-match and time-to-connected distributions at the end.
//
// Usage:
//
//	loadtest -url ws://localhost:8080/ws -users 200 -secret $JWT_SECRET
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/livematch/quickmatch/internal/auth"
	"github.com/livematch/quickmatch/internal/protocol"
	"github.com/livematch/quickmatch/internal/ws"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	users := flag.Int("users", 100, "number of simulated users (pairs form among them)")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret used to sign tokens")
	issuer := flag.String("issuer", os.Getenv("JWT_ISSUER"), "token issuer")
	matchTimeout := flag.Duration("match-timeout", 60*time.Second, "per-user deadline for the whole flow")
	concurrency := flag.Int("concurrency", 50, "maximum simultaneous connection attempts")
	flag.Parse()

	signer, err := auth.NewVerifier(*secret, *issuer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Match test: %d users to %s (timeout=%s, concurrency=%d)\n", *users, *url, *matchTimeout, *concurrency)

	run := uuid.NewString()[:8]
	collector := newCollector()
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	for i := 0; i < *users; i++ {
		userID := fmt.Sprintf("load-%s-%d", run, i)
		token, err := signer.Issue(userID, 0, time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loadtest: sign token: %v\n", err)
			os.Exit(1)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			userCtx, cancel := context.WithTimeout(ctx, *matchTimeout)
			defer cancel()
			collector.add(simulate(userCtx, *url+"?token="+token, sem))
		}()
	}

	wg.Wait()
	collector.report()
}

type result struct {
	connect   time.Duration
	matched   time.Duration
	connected time.Duration
	err       error
}

// simulate runs one user through start -> matched -> connected -> ended.
// The connection slot in sem is released once the socket is open.
func simulate(ctx context.Context, url string, sem chan struct{}) result {
	var r result
	begin := time.Now()

	conn, err := ws.Dial(ctx, url)
	<-sem
	if err != nil {
		r.err = fmt.Errorf("dial: %w", err)
		return r
	}
	defer conn.Close()
	r.connect = time.Since(begin)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := await(conn, func(m serverMsg) bool { return m.Type == protocol.TypeSessionReady }); err != nil {
		r.err = err
		return r
	}

	started := time.Now()
	if err := send(conn, protocol.StartMsg{Type: protocol.TypeStart, Want: "any"}); err != nil {
		r.err = err
		return r
	}

	m, err := await(conn, phaseIs("matched"))
	if err != nil {
		r.err = err
		return r
	}
	r.matched = time.Since(started)

	if err := send(conn, protocol.CallConnectedMsg{Type: protocol.TypeCallConnected, MatchID: m.Match.ID}); err != nil {
		r.err = err
		return r
	}
	if _, err := await(conn, phaseIs("connected")); err != nil {
		r.err = err
		return r
	}
	r.connected = time.Since(started)

	// Both partners hang up; the second report is a no-op on the server.
	if err := send(conn, protocol.CallEndedMsg{Type: protocol.TypeCallEnded, MatchID: m.Match.ID}); err != nil {
		r.err = err
		return r
	}
	if _, err := await(conn, phaseIs("ended")); err != nil {
		r.err = err
	}
	return r
}

type serverMsg struct {
	Type    string `json:"type"`
	Phase   string `json:"phase"`
	Reason  string `json:"reason"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Match   struct {
		ID string `json:"id"`
	} `json:"match"`
}

func phaseIs(phase string) func(serverMsg) bool {
	return func(m serverMsg) bool { return m.Type == protocol.TypePhase && m.Phase == phase }
}

func send(conn net.Conn, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return wsutil.WriteClientText(conn, data)
}

// await reads messages until match reports true. An ended phase or an error
// message that was not asked for aborts the wait.
func await(conn net.Conn, match func(serverMsg) bool) (serverMsg, error) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return serverMsg{}, fmt.Errorf("read: %w", err)
		}
		var m serverMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return serverMsg{}, fmt.Errorf("decode: %w", err)
		}
		if match(m) {
			return m, nil
		}
		switch {
		case m.Type == protocol.TypeError:
			return m, fmt.Errorf("server error %s: %s", m.Code, m.Message)
		case m.Type == protocol.TypeRateLimited:
			return m, fmt.Errorf("rate limited")
		case m.Type == protocol.TypePhase && m.Phase == "ended":
			return m, fmt.Errorf("session ended early: %s", m.Reason)
		}
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

type collector struct {
	mu        sync.Mutex
	start     time.Time
	connect   []time.Duration
	matched   []time.Duration
	connected []time.Duration
	errors    map[string]int
}

func newCollector() *collector {
	return &collector{start: time.Now(), errors: make(map[string]int)}
}

func (c *collector) add(r result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.connect > 0 {
		c.connect = append(c.connect, r.connect)
	}
	if r.matched > 0 {
		c.matched = append(c.matched, r.matched)
	}
	if r.connected > 0 {
		c.connected = append(c.connected, r.connected)
	}
	if r.err != nil {
		c.errors[r.err.Error()]++
	}
}

func (c *collector) report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Printf("\n=== Results (%s) ===\n", time.Since(c.start).Round(time.Millisecond))
	printDist("connect", c.connect)
	printDist("time to match", c.matched)
	printDist("time to connected", c.connected)

	if len(c.errors) > 0 {
		fmt.Println("errors:")
		for msg, n := range c.errors {
			fmt.Printf("  %5d  %s\n", n, msg)
		}
	}
}

func printDist(name string, ds []time.Duration) {
	if len(ds) == 0 {
		fmt.Printf("%-18s n=0\n", name)
		return
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	pct := func(p float64) time.Duration { return ds[int(p*float64(len(ds)-1))] }
	fmt.Printf("%-18s n=%-5d p50=%-10s p95=%-10s p99=%-10s max=%s\n", name, len(ds),
		pct(0.50).Round(time.Millisecond), pct(0.95).Round(time.Millisecond),
		pct(0.99).Round(time.Millisecond), ds[len(ds)-1].Round(time.Millisecond))
}
