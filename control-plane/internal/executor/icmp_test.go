package executor

import (
	"context"
	"errors"
	"math"
	"os/exec"
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		address  string
		wantOK   bool
		wantRTTs []float64
	}{
		{
			name:     "single reply",
			output:   "10.0.0.1 : 4.21\n",
			address:  "10.0.0.1",
			wantOK:   true,
			wantRTTs: []float64{4.21},
		},
		{
			name:    "lost",
			output:  "10.0.0.1 : -\n",
			address: "10.0.0.1",
			wantOK:  true,
		},
		{
			name:     "other host lines ignored",
			output:   "10.0.0.2 : 1.00\n10.0.0.1 : 2.50 - 3.50\n",
			address:  "10.0.0.1",
			wantOK:   true,
			wantRTTs: []float64{2.50, 3.50},
		},
		{
			name:    "no line for host",
			output:  "fping: can't resolve\n",
			address: "10.0.0.1",
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rtts, ok := parseLine([]byte(tt.output), tt.address)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if len(rtts) != len(tt.wantRTTs) {
				t.Fatalf("rtts = %v, want %v", rtts, tt.wantRTTs)
			}
			for i := range rtts {
				if math.Abs(rtts[i]-tt.wantRTTs[i]) > 0.001 {
					t.Errorf("rtts[%d] = %v, want %v", i, rtts[i], tt.wantRTTs[i])
				}
			}
		})
	}
}

type scriptedPinger struct {
	replies map[time.Duration]float64
	errs    map[time.Duration]error
	calls   []time.Duration
}

func (p *scriptedPinger) Ping(_ context.Context, _ string, timeout time.Duration) (Echo, error) {
	p.calls = append(p.calls, timeout)
	if err := p.errs[timeout]; err != nil {
		return Echo{}, err
	}
	rtt, ok := p.replies[timeout]
	return Echo{Timeout: timeout, Received: ok, RTTMs: rtt}, nil
}

func TestSeries(t *testing.T) {
	timeouts := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}

	t.Run("all reply", func(t *testing.T) {
		p := &scriptedPinger{replies: map[time.Duration]float64{
			time.Second: 2, 2 * time.Second: 4, 3 * time.Second: 6,
		}}
		r := Series(context.Background(), p, "10.0.0.1", timeouts)

		if r.Sent != 3 || r.Received != 3 {
			t.Fatalf("sent/received = %d/%d, want 3/3", r.Sent, r.Received)
		}
		if r.SuccessRatio != 1 {
			t.Errorf("SuccessRatio = %v, want 1", r.SuccessRatio)
		}
		if r.AvgMs != 4 || r.MinMs != 2 || r.MaxMs != 6 {
			t.Errorf("avg/min/max = %v/%v/%v, want 4/2/6", r.AvgMs, r.MinMs, r.MaxMs)
		}
		if r.AllFailed() {
			t.Error("AllFailed() = true")
		}
	})

	t.Run("increasing timeouts in order", func(t *testing.T) {
		p := &scriptedPinger{}
		Series(context.Background(), p, "10.0.0.1", timeouts)
		for i, want := range timeouts {
			if p.calls[i] != want {
				t.Errorf("probe %d timeout = %v, want %v", i, p.calls[i], want)
			}
		}
	})

	t.Run("errors count as lost", func(t *testing.T) {
		p := &scriptedPinger{
			replies: map[time.Duration]float64{3 * time.Second: 10},
			errs:    map[time.Duration]error{time.Second: errors.New("exec failed")},
		}
		r := Series(context.Background(), p, "10.0.0.1", timeouts)
		if r.Sent != 3 || r.Received != 1 {
			t.Fatalf("sent/received = %d/%d, want 3/1", r.Sent, r.Received)
		}
		if math.Abs(r.SuccessRatio-1.0/3.0) > 1e-9 {
			t.Errorf("SuccessRatio = %v", r.SuccessRatio)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		r := Series(context.Background(), &scriptedPinger{}, "10.0.0.1", timeouts)
		if !r.AllFailed() {
			t.Error("AllFailed() = false, want true")
		}
		if r.AvgMs != 0 {
			t.Errorf("AvgMs = %v, want 0", r.AvgMs)
		}
	})

	t.Run("cancelled context stops the series", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := &scriptedPinger{}
		r := Series(ctx, p, "10.0.0.1", timeouts)
		if r.Sent != 0 || len(p.calls) != 0 {
			t.Errorf("probes sent after cancel: %d", r.Sent)
		}
		if r.AllFailed() {
			t.Error("an empty series is not a failed host")
		}
	})
}

func TestFpingLocalhost(t *testing.T) {
	if _, err := exec.LookPath("fping"); err != nil {
		t.Skip("fping not installed")
	}

	f := NewFping("")
	echo, err := f.Ping(context.Background(), "127.0.0.1", time.Second)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !echo.Received {
		t.Error("expected localhost to answer")
	}
}
