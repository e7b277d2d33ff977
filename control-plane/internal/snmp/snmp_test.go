package snmp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPDU(t *testing.T) {
	tests := []struct {
		name     string
		pdu      gosnmp.SnmpPDU
		wantType ValueType
		wantStr  string
		wantInt  int64
	}{
		{
			name:     "octet string bytes",
			pdu:      gosnmp.SnmpPDU{Name: ".1.3.6.1.4.1.2011.6.128.1.1.2.43.1.9.4194312192.7", Type: gosnmp.OctetString, Value: []byte("cliente-1")},
			wantType: TypeString,
			wantStr:  "cliente-1",
		},
		{
			name:     "integer",
			pdu:      gosnmp.SnmpPDU{Name: ".1.3.6.1.4.1.2011.6.128.1.1.2.43.1.15.4194312192.7", Type: gosnmp.Integer, Value: 1},
			wantType: TypeInteger,
			wantInt:  1,
		},
		{
			name:     "negative integer",
			pdu:      gosnmp.SnmpPDU{Name: ".1.3.6.1.4.1.2011.6.128.1.1.2.46.1.20.4194312192.7", Type: gosnmp.Integer, Value: -1},
			wantType: TypeInteger,
			wantInt:  -1,
		},
		{
			name:     "gauge",
			pdu:      gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.5.1", Type: gosnmp.Gauge32, Value: uint(1000)},
			wantType: TypeInteger,
			wantInt:  1000,
		},
		{
			name:     "no such instance",
			pdu:      gosnmp.SnmpPDU{Name: ".1.3.6.1.4.1.2011.6.128.1.1.2.43.1.9.4194312192.8", Type: gosnmp.NoSuchInstance},
			wantType: TypeAbsent,
		},
		{
			name:     "no such object",
			pdu:      gosnmp.SnmpPDU{Name: ".1.3.6.1.4.1.2011.6.128.1.1.2.43.1.9.4194312192.8", Type: gosnmp.NoSuchObject},
			wantType: TypeAbsent,
		},
		{
			name:     "end of mib",
			pdu:      gosnmp.SnmpPDU{Name: ".1.3.6.1.4.1.2011.6.128.1.1.2.43.1.9.4194312192.8", Type: gosnmp.EndOfMibView},
			wantType: TypeAbsent,
		},
		{
			name:     "null",
			pdu:      gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.1.0", Type: gosnmp.Null},
			wantType: TypeNull,
		},
		{
			name:     "ip address is other",
			pdu:      gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.4.20.1.1.10.0.0.1", Type: gosnmp.IPAddress, Value: "10.0.0.1"},
			wantType: TypeOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := FromPDU(tt.pdu)
			assert.Equal(t, tt.wantType, v.Type)
			assert.Equal(t, tt.wantStr, v.String())
			assert.Equal(t, tt.wantInt, v.Int)
			assert.NotEqual(t, '.', rune(v.OID[0]), "OID must not keep the leading dot")
		})
	}
}

func TestIndex(t *testing.T) {
	base := "1.3.6.1.4.1.2011.6.128.1.1.2.43.1.9"

	assert.Equal(t, "4194312192.7", Index(base, "1.3.6.1.4.1.2011.6.128.1.1.2.43.1.9.4194312192.7"))
	assert.Equal(t, "4194312192.7", Index(base, ".1.3.6.1.4.1.2011.6.128.1.1.2.43.1.9.4194312192.7"))
	assert.Equal(t, "", Index(base, "1.3.6.1.4.1.2011.6.128.1.1.2.43.1.90.1"))
	assert.Equal(t, "", Index(base, base))
}

func TestOIDs(t *testing.T) {
	got := OIDs(".1.3.6.1.4.1.2011.6.128.1.1.2.43.1.15", []string{"4194312192.1", "4194312192.2"})
	assert.Equal(t, []string{
		"1.3.6.1.4.1.2011.6.128.1.1.2.43.1.15.4194312192.1",
		"1.3.6.1.4.1.2011.6.128.1.1.2.43.1.15.4194312192.2",
	}, got)
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o deadline reached" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrTimeout, true},
		{"wrapped sentinel", fmt.Errorf("chunk 3: %w", ErrTimeout), true},
		{"gosnmp retries exhausted", errors.New("request timeout (after 1 retries)"), true},
		{"net timeout", timeoutNetErr{}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTimeout(tt.err))
		})
	}
}

func TestClassifyWrapsTimeouts(t *testing.T) {
	err := classify(errors.New("request timeout (after 2 retries)"))
	assert.ErrorIs(t, err, ErrTimeout)

	plain := errors.New("authorization error")
	assert.Same(t, plain, classify(plain))
}

type fakeLimits struct {
	sessions, waits, released int
}

func (f *fakeLimits) Session(context.Context, string) (func(), error) {
	f.sessions++
	return func() { f.released++ }, nil
}

func (f *fakeLimits) Wait(context.Context, string) error {
	f.waits++
	return nil
}

type stubSession struct{ closed bool }

func (s *stubSession) Get(context.Context, []string) ([]Variable, error) { return nil, nil }
func (s *stubSession) Walk(context.Context, string, func(Variable) error) error {
	return nil
}
func (s *stubSession) Close() error { s.closed = true; return nil }

type stubDialer struct {
	session *stubSession
	err     error
}

func (d stubDialer) Dial(context.Context, Target) (Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func TestLimitedDialer(t *testing.T) {
	limits := &fakeLimits{}
	inner := &stubSession{}
	d := LimitedDialer{Dialer: stubDialer{session: inner}, Limits: limits}

	s, err := d.Dial(context.Background(), Target{Address: "10.0.0.1"})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), []string{"1.3"})
	require.NoError(t, err)
	require.NoError(t, s.Walk(context.Background(), "1.3", func(Variable) error { return nil }))
	require.NoError(t, s.Close())

	assert.Equal(t, 1, limits.sessions)
	assert.Equal(t, 2, limits.waits)
	assert.Equal(t, 1, limits.released)
	assert.True(t, inner.closed)
}

func TestLimitedDialerReleasesOnDialError(t *testing.T) {
	limits := &fakeLimits{}
	d := LimitedDialer{Dialer: stubDialer{err: errors.New("unreachable")}, Limits: limits}

	_, err := d.Dial(context.Background(), Target{Address: "10.0.0.1"})
	require.Error(t, err)
	assert.Equal(t, 1, limits.released)
}
