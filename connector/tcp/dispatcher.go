package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/connector"
	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
)

// Dispatcher is the TCP destination connector. It frames and writes one
// payload per send, optionally reads one framed response, and keeps a pool
// of persistent sockets keyed by resolved remote and local address when
// keepConnectionOpen is set.
type Dispatcher struct {
	cfg       DestinationSettings
	framer    *Framer
	clientTLS *tls.Config

	mu     sync.Mutex
	env    connector.Env
	cancel context.CancelFunc
	pool   map[poolKey]*pooledConn
	done   chan struct{}
}

var _ connector.Destination = (*Dispatcher)(nil)

// poolKey identifies one persistent socket. The dispatcher owns its metadata
// id implicitly; distinct resolved endpoints each get their own socket.
type poolKey struct {
	host      string
	port      int
	localAddr string
	localPort int
}

type pooledConn struct {
	conn     net.Conn
	lastUsed time.Time
}

// NewDispatcher validates |cfg| and builds the dispatcher.
func NewDispatcher(cfg DestinationSettings) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tcp dispatcher: %w", err)
	}
	var framer, err = NewFramer(cfg.TransmissionMode, cfg.StartOfMessageBytes, cfg.EndOfMessageBytes)
	if err != nil {
		return nil, err
	}
	clientTLS, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:       cfg,
		framer:    framer,
		clientTLS: clientTLS,
		pool:      make(map[poolKey]*pooledConn),
	}, nil
}

func (d *Dispatcher) Name() string { return "TCP Sender" }

func (d *Dispatcher) OnDeploy(context.Context) error {
	return d.cfg.Validate()
}

// Start records the connector environment and, when connections are kept
// open, starts the idle socket reaper.
func (d *Dispatcher) Start(ctx context.Context, env connector.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var runCtx context.Context
	runCtx, d.cancel = context.WithCancel(ctx)
	d.env = env
	d.done = make(chan struct{})

	if d.cfg.KeepConnectionOpen {
		go d.reapIdle(runCtx, d.done)
	} else {
		close(d.done)
	}
	return nil
}

// Stop closes every pooled socket and stops the reaper.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return nil
	}
	d.cancel()
	d.cancel = nil
	var done = d.done
	for key, pc := range d.pool {
		_ = pc.conn.Close()
		delete(d.pool, key)
		d.env.PostConnectorCount(false)
	}
	d.mu.Unlock()

	<-done
	d.env.PostConnectionStatus(events.ConnectionDisconnected, "")
	return nil
}

// reapIdle closes pooled sockets which have been idle past the send timeout.
func (d *Dispatcher) reapIdle(ctx context.Context, done chan struct{}) {
	defer close(done)
	var interval = d.cfg.sendTimeout()

	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.mu.Lock()
			for key, pc := range d.pool {
				if now.Sub(pc.lastUsed) < interval {
					continue
				}
				_ = pc.conn.Close()
				delete(d.pool, key)
				d.env.PostConnectorCount(false)
				log.WithFields(log.Fields{
					"channel": d.env.ChannelID,
					"remote":  fmt.Sprintf("%s:%d", key.host, key.port),
				}).Debug("closed idle destination socket")
			}
			d.mu.Unlock()
		}
	}
}

// Send resolves the connector properties against |cm|, writes the framed
// payload, and reads one framed response unless ignoreResponse is set. The
// written payload is recorded in the SENT content slot. Transport failures
// return an error for the engine to queue or contain.
func (d *Dispatcher) Send(ctx context.Context, cm *message.ConnectorMessage) (*message.Response, error) {
	// Resolution operates on a copy; the configured properties are never
	// mutated.
	var host = ResolveTemplate(d.cfg.Host, cm)
	var payload = cm.ContentValue(message.Encoded)
	if payload == "" {
		payload = cm.ContentValue(message.Raw)
	}
	if d.cfg.Template != "" {
		payload = ResolveTemplate(d.cfg.Template, cm)
	}

	var key = poolKey{
		host:      host,
		port:      d.cfg.Port,
		localAddr: d.cfg.LocalAddress,
		localPort: d.cfg.LocalPort,
	}

	var conn, fresh, err = d.takeConn(ctx, key)
	if err != nil {
		d.env.PostConnectionStatus(events.ConnectionFailure, err.Error())
		return nil, err
	}
	if fresh {
		d.env.PostConnectorCount(true)
		d.env.PostConnectionStatus(events.ConnectionConnected, conn.RemoteAddr().String())
	}

	cm.SetContent(message.SentContent, payload, "RAW")

	var resp *message.Response
	resp, err = d.exchange(conn, payload)
	if err != nil {
		d.discard(key, conn)
		d.env.PostConnectionStatus(events.ConnectionFailure, err.Error())
		return nil, err
	}
	if resp.Status != message.Sent {
		// A response timeout surfaces through the response status rather
		// than an error; the socket is suspect either way.
		d.discard(key, conn)
	} else {
		d.release(key, conn)
	}
	d.env.PostConnectionStatus(events.ConnectionIdle, "")
	return resp, nil
}

// exchange writes one framed payload on |conn| and reads the framed response
// when configured to.
func (d *Dispatcher) exchange(conn net.Conn, payload string) (*message.Response, error) {
	d.env.PostConnectionStatus(events.ConnectionSending, "")
	_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.sendTimeout()))
	if _, err := conn.Write(d.framer.Frame([]byte(payload))); err != nil {
		return nil, fmt.Errorf("writing to %s: %w", conn.RemoteAddr(), err)
	}

	if d.cfg.IgnoreResponse {
		var resp = message.NewResponse(message.Sent, "")
		resp.StatusMessage = "Message successfully sent"
		return resp, nil
	}

	d.env.PostConnectionStatus(events.ConnectionWaiting, "")
	var body, err = d.readResponse(conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			var resp = message.NewResponse(message.Error, "")
			if d.cfg.QueueOnResponseTimeout {
				resp.Status = message.Queued
			}
			resp.Error = "Timeout waiting for response"
			return resp, nil
		}
		return nil, fmt.Errorf("reading response from %s: %w", conn.RemoteAddr(), err)
	}

	var resp = message.NewResponse(message.Sent, body)
	resp.StatusMessage = "Message successfully sent"
	return resp, nil
}

// readResponse accumulates reads until one complete frame arrives within the
// response timeout, and unframes it.
func (d *Dispatcher) readResponse(conn net.Conn) (string, error) {
	var deadline = time.Now().Add(d.cfg.responseTimeout())
	_ = conn.SetReadDeadline(deadline)

	var buf = make([]byte, 4096)
	var acc []byte
	for {
		var n, err = conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if fn, ok := d.framer.HasCompleteFrame(acc); ok {
				var body, uErr = d.framer.Unframe(acc[:fn])
				if uErr != nil {
					return "", uErr
				}
				return string(body), nil
			}
		}
		if err != nil {
			// RAW mode has no end delimiter: a peer close after bytes
			// arrived delivers what was read.
			if d.framer.Mode() == ModeRaw && len(acc) > 0 {
				return string(acc), nil
			}
			return "", err
		}
	}
}

// takeConn returns a pooled socket for |key| or dials a new one, reporting
// whether it is freshly connected.
func (d *Dispatcher) takeConn(ctx context.Context, key poolKey) (net.Conn, bool, error) {
	d.mu.Lock()
	var pc, ok = d.pool[key]
	if ok {
		delete(d.pool, key)
	}
	d.mu.Unlock()

	if ok {
		if !d.cfg.CheckRemoteHost || remoteAlive(pc.conn) {
			return pc.conn, false, nil
		}
		_ = pc.conn.Close()
		d.env.PostConnectorCount(false)
	}

	var addr = net.JoinHostPort(key.host, strconv.Itoa(key.port))
	d.env.PostConnectionStatus(events.ConnectionConnecting, addr)

	var dialer = &net.Dialer{Timeout: d.cfg.socketTimeout()}
	if key.localAddr != "" || key.localPort != 0 {
		dialer.LocalAddr = &net.TCPAddr{
			IP:   net.ParseIP(key.localAddr),
			Port: key.localPort,
		}
	}

	var conn net.Conn
	var err error
	if d.clientTLS != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, d.clientTLS)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, false, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return conn, true, nil
}

// remoteAlive probes a pooled socket for a peer close without consuming
// payload bytes: a zero-byte read can't detect EOF, so it reads with an
// immediate deadline and treats only a timeout as healthy. A byte that does
// arrive is a stale response from a prior exchange and is dropped with the
// socket.
func remoteAlive(conn net.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	var one [1]byte
	var _, err = conn.Read(one[:])
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// release returns |conn| to the pool, or closes it when connections aren't
// kept open.
func (d *Dispatcher) release(key poolKey, conn net.Conn) {
	if !d.cfg.KeepConnectionOpen {
		d.closeConn(conn)
		return
	}
	d.mu.Lock()
	if prior, ok := d.pool[key]; ok {
		// A concurrent send already parked a socket for this endpoint; keep
		// the newer one.
		_ = prior.conn.Close()
		d.env.PostConnectorCount(false)
	}
	d.pool[key] = &pooledConn{conn: conn, lastUsed: time.Now()}
	d.mu.Unlock()
}

// discard closes |conn| without pooling it.
func (d *Dispatcher) discard(key poolKey, conn net.Conn) {
	d.closeConn(conn)
}

func (d *Dispatcher) closeConn(conn net.Conn) {
	_ = conn.Close()
	d.env.PostConnectorCount(false)
	d.env.PostConnectionStatus(events.ConnectionDisconnected, conn.RemoteAddr().String())
}
