package capbridge

import (
	"github.com/wippyai/capbridge/capability"
	"github.com/wippyai/capbridge/errors"
)

// Objects publishes capabilities under fixed object ids. Its Restore method
// is an rpc.Restorer.
type Objects map[string]*capability.Client

// Restore returns a new reference to the object published as id.
func (o Objects) Restore(id string) (*capability.Client, error) {
	c, ok := o[id]
	if !ok {
		return nil, errors.NotFound(errors.PhaseRPC, "object", id)
	}
	return c.Dup(), nil
}

// Close releases every published capability.
func (o Objects) Close() {
	for id, c := range o {
		c.Close()
		delete(o, id)
	}
}
