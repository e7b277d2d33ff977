package snmp

import "context"

// Limits is the per-host budget a LimitedDialer draws from.
type Limits interface {
	Session(ctx context.Context, host string) (func(), error)
	Wait(ctx context.Context, host string) error
}

// LimitedDialer holds a session slot for the lifetime of every session it
// opens and waits for a rate token before every request.
type LimitedDialer struct {
	Dialer Dialer
	Limits Limits
}

// Dial waits for a session slot on t.Address, then dials.
func (d LimitedDialer) Dial(ctx context.Context, t Target) (Session, error) {
	release, err := d.Limits.Session(ctx, t.Address)
	if err != nil {
		return nil, err
	}
	s, err := d.Dialer.Dial(ctx, t)
	if err != nil {
		release()
		return nil, err
	}
	return &limitedSession{Session: s, host: t.Address, limits: d.Limits, release: release}, nil
}

type limitedSession struct {
	Session
	host    string
	limits  Limits
	release func()
}

func (s *limitedSession) Get(ctx context.Context, oids []string) ([]Variable, error) {
	if err := s.limits.Wait(ctx, s.host); err != nil {
		return nil, err
	}
	return s.Session.Get(ctx, oids)
}

func (s *limitedSession) Walk(ctx context.Context, root string, fn func(Variable) error) error {
	if err := s.limits.Wait(ctx, s.host); err != nil {
		return err
	}
	return s.Session.Walk(ctx, root, fn)
}

func (s *limitedSession) Close() error {
	defer s.release()
	return s.Session.Close()
}
