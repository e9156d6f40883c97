package rpc

// frameQueue collects outgoing frames between flushes so a flush is a
// single vectored write.
type frameQueue struct {
	pieces [][]byte
	bytes  int
}

func (q *frameQueue) push(frame []byte) {
	q.pieces = append(q.pieces, frame)
	q.bytes += len(frame)
}

func (q *frameQueue) empty() bool {
	return len(q.pieces) == 0
}

// take hands the queued pieces to a writer and starts a new batch.
func (q *frameQueue) take() [][]byte {
	pieces := q.pieces
	q.pieces = nil
	q.bytes = 0
	return pieces
}
