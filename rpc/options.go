package rpc

import (
	"github.com/wippyai/capbridge/capability"
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/schema"
	"go.uber.org/zap"
)

// DefaultMaxFrameSize bounds incoming frames unless Options say otherwise.
const DefaultMaxFrameSize = 64 << 20

// Restorer returns a new reference to the capability published under
// objectID. The connection takes ownership of the returned client.
type Restorer func(objectID string) (*capability.Client, error)

// Options configure a connection.
type Options struct {
	// Restorer answers Restore requests from the peer. Without one every
	// Restore fails.
	Restorer Restorer

	// Registry resolves interface ids of incoming calls on capabilities
	// that carry no schema of their own. Without one the connection uses
	// the registry of the first typed capability it exports.
	Registry *schema.Registry

	// Logger defaults to the package logger.
	Logger *zap.Logger

	// Metrics may be shared by many connections. Nil disables metrics.
	Metrics *Metrics

	// MaxFrameSize is the largest accepted total of segment bytes in one
	// frame, the segment table excluded. A larger frame aborts the
	// connection.
	MaxFrameSize int

	// Limits apply to every message received from the peer. The zero value
	// means dynamic.DefaultLimits.
	Limits dynamic.Limits
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = Logger()
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.Limits == (dynamic.Limits{}) {
		o.Limits = dynamic.DefaultLimits
	}
	return o
}
