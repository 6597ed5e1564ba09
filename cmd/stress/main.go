// stress is a TCP stress tester for the LED status responder.
// The responder holds a single connection, answers as soon as the handshake
// completes and closes, so every pattern checks the reply and the toggle.
//
// Usage:
//
//	go run ./cmd/stress <addr>
//	go run ./cmd/stress -n 100 -c 4 -pattern rapid-cycle 192.168.1.2:80
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const responsePrefix = "HTTP/1.1 200 OK\r\n\r\nLED is currently: "

var errBadResponse = errors.New("malformed response")

type stats struct {
	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	timeouts  atomic.Int64
	ledOn     atomic.Int64
	ledOff    atomic.Int64
}

func (s *stats) String() string {
	return fmt.Sprintf("attempted=%d succeeded=%d failed=%d timeouts=%d on=%d off=%d",
		s.attempted.Load(), s.succeeded.Load(), s.failed.Load(), s.timeouts.Load(),
		s.ledOn.Load(), s.ledOff.Load())
}

type pattern struct {
	name string
	fn   func(addr string, s *stats, n, concurrency int)
}

var patterns = []pattern{
	{"rapid-cycle", rapidCycle},
	{"alternation", alternation},
	{"syn-flood", synFlood},
	{"late-reader", lateReader},
	{"rapid-rst", rapidRST},
}

func main() {
	n := flag.Int("n", 50, "iterations per pattern")
	c := flag.Int("c", 2, "concurrency per pattern")
	pat := flag.String("pattern", "all", "pattern to run (rapid-cycle, alternation, syn-flood, late-reader, rapid-rst, all)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <addr>\n\nStress test the LED status responder.\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nPatterns:\n")
		fmt.Fprintf(os.Stderr, "  rapid-cycle   Rapid connect→read→close cycling\n")
		fmt.Fprintf(os.Stderr, "  alternation   Sequential connections, LED state must flip each time\n")
		fmt.Fprintf(os.Stderr, "  syn-flood     Hold connections open without reading\n")
		fmt.Fprintf(os.Stderr, "  late-reader   Send a request, wait, then read the reply\n")
		fmt.Fprintf(os.Stderr, "  rapid-rst     Connect and immediately RST\n")
		fmt.Fprintf(os.Stderr, "  all           Run all patterns sequentially\n")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	addr := flag.Arg(0)
	if !strings.Contains(addr, ":") {
		addr += ":80"
	}

	// Verify connectivity.
	if _, err := fetch(addr, nil, 0); err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach %s: %v\n", addr, err)
		os.Exit(1)
	}
	fmt.Printf("target: %s\n\n", addr)

	start := time.Now()
	var toRun []pattern
	if *pat == "all" {
		toRun = patterns
	} else {
		for _, p := range patterns {
			if p.name == *pat {
				toRun = append(toRun, p)
			}
		}
		if len(toRun) == 0 {
			fmt.Fprintf(os.Stderr, "unknown pattern: %s\n", *pat)
			os.Exit(1)
		}
	}

	for _, p := range toRun {
		fmt.Printf("--- %s (n=%d c=%d) ---\n", p.name, *n, *c)
		var s stats
		p.fn(addr, &s, *n, *c)
		fmt.Printf("    %s\n\n", &s)
	}
	fmt.Printf("done in %s\n", time.Since(start).Round(time.Millisecond))
}

// parseResponse extracts the LED state from a responder reply.
func parseResponse(resp []byte) (on bool, err error) {
	rest, ok := bytes.CutPrefix(resp, []byte(responsePrefix))
	if !ok {
		return false, errBadResponse
	}
	switch string(rest) {
	case "on\n":
		return true, nil
	case "off\n":
		return false, nil
	}
	return false, errBadResponse
}

// fetch connects, optionally writes req after delay, and reads until the
// server closes.
func fetch(addr string, req []byte, delay time.Duration) (on bool, err error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5*time.Second + delay))
	if req != nil {
		_, err = conn.Write(req)
		if err != nil {
			return false, err
		}
	}
	time.Sleep(delay)
	resp, err := io.ReadAll(conn)
	if err != nil && len(resp) == 0 {
		return false, err
	}
	return parseResponse(resp)
}

func record(s *stats, on bool, err error) {
	if err != nil {
		s.failed.Add(1)
		countTimeout(err, s)
		return
	}
	s.succeeded.Add(1)
	if on {
		s.ledOn.Add(1)
	} else {
		s.ledOff.Add(1)
	}
}

// rapidCycle connects, reads the reply and closes in a tight loop. The
// server accepts one connection at a time so concurrent dials queue in
// the listener backlog.
func rapidCycle(addr string, s *stats, n, concurrency int) {
	run(concurrency, n, func() {
		s.attempted.Add(1)
		on, err := fetch(addr, nil, 0)
		record(s, on, err)
	})
}

// alternation connects sequentially and checks the LED state flips on
// every served connection.
func alternation(addr string, s *stats, n, _ int) {
	var last bool
	for i := range n {
		s.attempted.Add(1)
		on, err := fetch(addr, []byte("GET / HTTP/1.0\r\n\r\n"), 0)
		record(s, on, err)
		if err != nil {
			continue
		}
		if i > 0 && on == last {
			fmt.Printf("    iteration %d: state did not toggle (on=%v)\n", i, on)
		}
		last = on
	}
}

// synFlood opens connections and holds them without reading. Only one is
// served; the rest occupy the backlog until the stack times them out.
func synFlood(addr string, s *stats, n, concurrency int) {
	var mu sync.Mutex
	var held []net.Conn
	run(concurrency, n, func() {
		s.attempted.Add(1)
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			s.failed.Add(1)
			countTimeout(err, s)
			return
		}
		s.succeeded.Add(1)
		mu.Lock()
		held = append(held, conn)
		mu.Unlock()
	})
	fmt.Printf("    holding %d connections for 3s...\n", len(held))
	time.Sleep(3 * time.Second)
	for _, c := range held {
		c.Close()
	}
}

// lateReader sends a request and reads the reply only after a delay, by
// which time the server has already closed its side.
func lateReader(addr string, s *stats, n, concurrency int) {
	req := []byte("GET / HTTP/1.0\r\nHost: pong\r\n\r\n")
	run(concurrency, n, func() {
		s.attempted.Add(1)
		on, err := fetch(addr, req, 200*time.Millisecond)
		record(s, on, err)
	})
}

// rapidRST connects then closes with linger 0, forcing a RST that may
// arrive before or after the server wrote its reply.
func rapidRST(addr string, s *stats, n, concurrency int) {
	run(concurrency, n, func() {
		s.attempted.Add(1)
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			s.failed.Add(1)
			countTimeout(err, s)
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		conn.Close()
		s.succeeded.Add(1)
	})
}

// run executes fn n times across the given number of goroutines.
func run(concurrency, n int, fn func()) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	for range n {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn()
		}()
	}
	wg.Wait()
}

func countTimeout(err error, s *stats) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		s.timeouts.Add(1)
	}
}
