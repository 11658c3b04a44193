package nanoq

// packedPacket is a fully-sealed, ready-to-send datagram: raw holds the
// wire bytes (one or more coalesced QUIC packets), buffer owns the backing
// allocation so the send queue can return it to the pool once written.
type packedPacket struct {
	raw    []byte
	buffer *packetBuffer
}

// rawConn is the minimal send-side contract a sendQueue needs: write one
// datagram to the network. The real implementation is a *net.UDPConn.
type rawConn interface {
	Write(b []byte) error
}

// sendQueue decouples packet packing from the network write, so a slow
// write doesn't stall whichever goroutine just finished building a packet.
// It holds at most one packet at a time: backpressure is intentional, since
// queuing further ahead would just let bytes-in-flight drift from what's
// actually been handed to the kernel.
type sendQueue struct {
	queue       chan *packedPacket
	closeCalled chan struct{}
	runStopped  chan struct{}
	conn        rawConn
}

func newSendQueue(conn rawConn) *sendQueue {
	return &sendQueue{
		conn:        conn,
		runStopped:  make(chan struct{}),
		closeCalled: make(chan struct{}),
		queue:       make(chan *packedPacket, 1),
	}
}

func (h *sendQueue) Send(p *packedPacket) {
	h.queue <- p
}

// Run drains the queue until Close is called and the last queued packet is
// written, then returns. It must run in its own goroutine.
func (h *sendQueue) Run() error {
	defer close(h.runStopped)
	var shouldClose bool
	for {
		if shouldClose && len(h.queue) == 0 {
			return nil
		}
		select {
		case <-h.closeCalled:
			h.closeCalled = nil
			shouldClose = true
		case p := <-h.queue:
			if err := h.conn.Write(p.raw); err != nil {
				return err
			}
			p.buffer.Release()
		}
	}
}

func (h *sendQueue) Close() {
	close(h.closeCalled)
	<-h.runStopped
}
