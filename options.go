package capbridge

import (
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/rpc"
	"github.com/wippyai/capbridge/schema"
	"go.uber.org/zap"
)

// Option configures a Context.
type Option func(*config)

type config struct {
	logger   *zap.Logger
	search   []string
	registry *schema.Registry
	loader   schema.Loader
	metrics  *rpc.Metrics
	limits   dynamic.Limits
}

// WithLogger sets the logger for the context and its connections.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithSearchPath sets the directories schema files are looked up in when a
// call passes no search path of its own.
func WithSearchPath(dirs ...string) Option {
	return func(c *config) {
		c.search = append(c.search, dirs...)
	}
}

// WithRegistry shares an existing schema registry instead of creating one.
func WithRegistry(r *schema.Registry) Option {
	return func(c *config) {
		c.registry = r
	}
}

// WithLoader sets how schema files are read. Ignored with WithRegistry.
func WithLoader(l schema.Loader) Option {
	return func(c *config) {
		c.loader = l
	}
}

// WithMetrics records connection metrics for every connection the context
// opens or accepts.
func WithMetrics(m *rpc.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithLimits bounds messages received from peers.
func WithLimits(l dynamic.Limits) Option {
	return func(c *config) {
		c.limits = l
	}
}
