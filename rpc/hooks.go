//go:build linux || darwin

package rpc

import (
	"github.com/wippyai/capbridge/capability"
)

// importEntry tracks one capability the peer exported to us. Every
// descriptor received for it creates a hook; Release reports how many
// descriptors were received once the last hook is gone.
type importEntry struct {
	id       uint32
	received uint32
	hooks    int
}

// importHook sends calls to a capability hosted by the peer.
type importHook struct {
	conn  *Conn
	entry *importEntry
	shut  bool
}

func (h *importHook) Send(call *capability.Call) {
	h.conn.sendCall(target{id: h.entry.id}, call)
}

func (h *importHook) Shutdown() {
	if h.shut {
		return
	}
	h.shut = true
	h.conn.releaseImport(h.entry)
}

// pipelineHook sends calls to a capability inside the results of a
// question that has not returned yet.
type pipelineHook struct {
	conn      *Conn
	question  uint32
	transform []uint16
}

func (h *pipelineHook) Send(call *capability.Call) {
	h.conn.sendCall(target{promised: true, id: h.question, transform: h.transform}, call)
}

// Shutdown does nothing: interest in the question is tracked by the
// promise the hook was created for.
func (h *pipelineHook) Shutdown() {}
