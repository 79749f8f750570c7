// Package peertest provides an in-memory common.Peer for connection state tests.
package peertest

import (
	"fmt"
	"sync"

	"github.com/alejzeis/bindstone-netplay/common"
)

// Peer records everything sent to it
type Peer struct {
	handle common.Handle

	mutex       sync.Mutex
	sent        [][]byte
	alive       bool
	closeCode   int
	closeReason string
}

func New(handle common.Handle) *Peer {
	return &Peer{handle: handle, alive: true}
}

func (p *Peer) Handle() common.Handle {
	return p.handle
}

func (p *Peer) RemoteAddr() string {
	return fmt.Sprintf("peer-%d", p.handle)
}

func (p *Peer) Send(data []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.alive {
		return common.ErrConnectionClosed
	}
	p.sent = append(p.sent, data)
	return nil
}

func (p *Peer) Disconnect(code int, reason string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.alive {
		p.alive = false
		p.closeCode = code
		p.closeReason = reason
	}
}

func (p *Peer) Alive() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.alive
}

// Drop simulates the remote side going away without a close frame
func (p *Peer) Drop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.alive = false
}

// Sent returns and clears the recorded messages
func (p *Peer) Sent() [][]byte {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	sent := p.sent
	p.sent = nil
	return sent
}

func (p *Peer) CloseCode() (int, string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.closeCode, p.closeReason
}
