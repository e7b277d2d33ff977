// Package snmp wraps gosnmp behind a small session interface used by the
// pollers. Every chunk dials its own session; nothing is shared between
// calls.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// ErrTimeout is wrapped by errors that mean the device did not answer in time.
var ErrTimeout = errors.New("snmp timeout")

// Target identifies one device and the budget of calls against it.
type Target struct {
	Address   string
	Port      uint16
	Community string
	Timeout   time.Duration
	Retries   int
}

// Session is one open SNMP v2c session.
type Session interface {
	// Get issues a single GET PDU for all oids.
	Get(ctx context.Context, oids []string) ([]Variable, error)
	// Walk visits every variable under root using GETBULK.
	Walk(ctx context.Context, root string, fn func(Variable) error) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Session, error)
}

// GoSNMPDialer dials real devices.
type GoSNMPDialer struct {
	MaxRepetitions uint32
}

// Dial connects a v2c session to t.
func (d GoSNMPDialer) Dial(ctx context.Context, t Target) (Session, error) {
	port := t.Port
	if port == 0 {
		port = 161
	}
	client := &gosnmp.GoSNMP{
		Target:             t.Address,
		Port:               port,
		Community:          t.Community,
		Version:            gosnmp.Version2c,
		Timeout:            t.Timeout,
		Retries:            t.Retries,
		MaxOids:            gosnmp.MaxOids,
		MaxRepetitions:     d.MaxRepetitions,
		ExponentialTimeout: false,
		Context:            ctx,
	}
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", t.Address, port, classify(err))
	}
	return &session{client: client}, nil
}

type session struct {
	client *gosnmp.GoSNMP
}

func (s *session) Get(ctx context.Context, oids []string) ([]Variable, error) {
	if len(oids) == 0 {
		return nil, nil
	}
	s.client.Context = ctx
	s.client.MaxOids = max(len(oids), gosnmp.MaxOids)

	result, err := s.client.Get(oids)
	if err != nil {
		return nil, classify(err)
	}
	if result.Error != gosnmp.NoError {
		return nil, fmt.Errorf("snmp error status %s", result.Error)
	}

	vars := make([]Variable, 0, len(result.Variables))
	for _, pdu := range result.Variables {
		vars = append(vars, FromPDU(pdu))
	}
	return vars, nil
}

func (s *session) Walk(ctx context.Context, root string, fn func(Variable) error) error {
	s.client.Context = ctx
	err := s.client.BulkWalk(root, func(pdu gosnmp.SnmpPDU) error {
		return fn(FromPDU(pdu))
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *session) Close() error {
	if s.client.Conn == nil {
		return nil
	}
	return s.client.Conn.Close()
}

// classify wraps device timeouts with ErrTimeout.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	if isTimeoutError(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// gosnmp reports exhausted retries as a plain formatted error.
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// IsTimeout reports whether err means the device did not answer in time.
func IsTimeout(err error) bool {
	return err != nil && (errors.Is(err, ErrTimeout) || isTimeoutError(err))
}
