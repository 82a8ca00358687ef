package coordinator

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rollupnc/coordinator/store"
)

type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithStore persists every committed state to s and restores from it on start.
func WithStore(s *store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithRegisterer registers the coordinator metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) { c.registerer = reg }
}

// WithBackOff replaces the retry policy for settlement calls. newBackOff is called once per call.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Coordinator) { c.newBackOff = newBackOff }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return b
}
