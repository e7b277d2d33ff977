// Package executor runs ICMP liveness probes against OLTs using fping.
//
// fping -C (count) mode prints one line per target on stderr:
//
//	192.168.1.1 : 12.45 13.22 - 11.80
//	192.168.1.2 : - - - -
//
// Each number is a round-trip time in milliseconds; "-" is a lost probe.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Pinger sends one echo to an address and reports its round trip.
type Pinger interface {
	Ping(ctx context.Context, address string, timeout time.Duration) (Echo, error)
}

// Echo is the outcome of a single probe.
type Echo struct {
	Timeout  time.Duration
	Received bool
	RTTMs    float64
}

// Fping shells out to fping for each probe.
type Fping struct {
	// Path to the fping binary. Default: "fping"
	Path string
}

// NewFping creates an fping pinger.
func NewFping(path string) *Fping {
	if path == "" {
		path = "fping"
	}
	return &Fping{Path: path}
}

// Ping sends one echo to address and waits up to timeout for the reply.
func (f *Fping) Ping(ctx context.Context, address string, timeout time.Duration) (Echo, error) {
	// -C 1  : one probe
	// -q    : summary only
	// -t ms : wait this long for the reply
	// -r 0  : no fping-level retries; the caller owns the probe schedule
	args := []string{
		"-C", "1",
		"-q",
		"-t", strconv.FormatInt(timeout.Milliseconds(), 10),
		"-r", "0",
		address,
	}

	cmd := exec.CommandContext(ctx, f.Path, args...)

	// fping writes results to stderr
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// non-zero exit just means the host did not answer
	runErr := cmd.Run()

	echo := Echo{Timeout: timeout}
	rtts, ok := parseLine(stderr.Bytes(), address)
	if !ok {
		if runErr != nil && stderr.Len() == 0 {
			return echo, fmt.Errorf("fping failed: %w", runErr)
		}
		return echo, nil
	}
	if len(rtts) > 0 {
		echo.Received = true
		echo.RTTMs = rtts[0]
	}
	return echo, nil
}

// parseLine finds the line for address and returns its received RTTs.
func parseLine(output []byte, address string) ([]float64, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		ip, values, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(ip) != address {
			continue
		}
		return parseRTTs(values), true
	}
	return nil, false
}

func parseRTTs(values string) []float64 {
	var rtts []float64
	for _, v := range strings.Fields(values) {
		if v == "-" {
			continue
		}
		rtt, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		rtts = append(rtts, rtt)
	}
	return rtts
}

// Report summarises a probe series.
type Report struct {
	Sent         int
	Received     int
	SuccessRatio float64
	AvgMs        float64
	MinMs        float64
	MaxMs        float64
	Echoes       []Echo
}

// AllFailed reports whether no probe came back.
func (r Report) AllFailed() bool {
	return r.Sent > 0 && r.Received == 0
}

// Series sends one probe per timeout, in order, and summarises them. A
// probe that errors counts as lost.
func Series(ctx context.Context, p Pinger, address string, timeouts []time.Duration) Report {
	var r Report
	var sum float64
	for _, timeout := range timeouts {
		if ctx.Err() != nil {
			break
		}
		echo, err := p.Ping(ctx, address, timeout)
		if err != nil {
			echo = Echo{Timeout: timeout}
		}
		r.Sent++
		r.Echoes = append(r.Echoes, echo)
		if !echo.Received {
			continue
		}
		if r.Received == 0 || echo.RTTMs < r.MinMs {
			r.MinMs = echo.RTTMs
		}
		if echo.RTTMs > r.MaxMs {
			r.MaxMs = echo.RTTMs
		}
		r.Received++
		sum += echo.RTTMs
	}
	if r.Sent > 0 {
		r.SuccessRatio = float64(r.Received) / float64(r.Sent)
	}
	if r.Received > 0 {
		r.AvgMs = sum / float64(r.Received)
	}
	return r
}
