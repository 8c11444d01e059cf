package net

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LinkTransport speaks SLIP over a TCP connection to the bridge hardware,
// typically a serial-to-TCP gateway sitting in front of the radio modem. It
// deframes inbound bytes into whole frames and keeps redialing when the link
// drops.
type LinkTransport struct {
	sync.Mutex

	address     string
	dialTimeout time.Duration
	logger      *logrus.Entry

	conn       net.Conn
	consumerCh chan []byte
	shutdownCh chan struct{}
	closed     bool
}

// NewLinkTransport ...
func NewLinkTransport(address string, dialTimeout time.Duration, logger *logrus.Entry) *LinkTransport {
	return &LinkTransport{
		address:     address,
		dialTimeout: dialTimeout,
		logger:      logger,
		consumerCh:  make(chan []byte, 64),
		shutdownCh:  make(chan struct{}),
	}
}

// Listen implements the Transport interface. It starts the read loop, which
// owns the connection and redials it as needed.
func (t *LinkTransport) Listen() {
	go t.readLoop()
}

// Consumer implements the Transport interface.
func (t *LinkTransport) Consumer() <-chan []byte {
	return t.consumerCh
}

// LocalAddr implements the Transport interface.
func (t *LinkTransport) LocalAddr() string {
	return t.address
}

// Write implements the Transport interface. The frame is SLIP-encoded before
// it goes out. Writes while the link is down fail fast; the protocol's own
// confirmation deadline handles the loss.
func (t *LinkTransport) Write(frame []byte) error {
	t.Lock()
	conn := t.conn
	closed := t.closed
	t.Unlock()

	if closed {
		return fmt.Errorf("transport closed")
	}
	if conn == nil {
		return fmt.Errorf("link down")
	}

	if _, err := conn.Write(slipEncode(frame)); err != nil {
		return err
	}
	return nil
}

// Close implements the Transport interface.
func (t *LinkTransport) Close() error {
	t.Lock()
	defer t.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.shutdownCh)

	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *LinkTransport) readLoop() {
	decoder := &slipDecoder{}
	buf := make([]byte, 4096)

	for {
		conn := t.dial()
		if conn == nil {
			return
		}

		decoder.buf = decoder.buf[:0]
		decoder.escaped = false

		for {
			n, err := conn.Read(buf)
			if err != nil {
				t.logger.WithError(err).Debug("Link read failed")
				break
			}

			for _, frame := range decoder.Feed(buf[:n]) {
				select {
				case t.consumerCh <- frame:
				case <-t.shutdownCh:
					return
				}
			}
		}

		t.Lock()
		t.conn = nil
		t.Unlock()
		conn.Close()

		select {
		case <-t.shutdownCh:
			return
		default:
		}
	}
}

// dial keeps trying until the link comes up or the transport is closed.
func (t *LinkTransport) dial() net.Conn {
	backoff := time.Second

	for {
		conn, err := net.DialTimeout("tcp", t.address, t.dialTimeout)
		if err == nil {
			t.logger.WithField("address", t.address).Debug("Link up")

			t.Lock()
			if t.closed {
				t.Unlock()
				conn.Close()
				return nil
			}
			t.conn = conn
			t.Unlock()

			return conn
		}

		t.logger.WithError(err).Debug("Link dial failed")

		select {
		case <-time.After(backoff):
		case <-t.shutdownCh:
			return nil
		}

		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}
