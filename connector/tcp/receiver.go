package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/tsmada/interflow/connector"
	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
)

// Receiver is the TCP source connector. In SERVER mode it binds a listener
// and reads framed messages from every accepted socket; in CLIENT mode it
// connects out to the configured peer and reads from that one socket,
// reconnecting whenever it drops.
type Receiver struct {
	cfg       SourceSettings
	framer    *Framer
	serverTLS *tls.Config
	clientTLS *tls.Config

	mu       sync.Mutex
	env      connector.Env
	cancel   context.CancelFunc
	tasks    *task.Group
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

var _ connector.Source = (*Receiver)(nil)

// NewReceiver validates |cfg| and builds the receiver.
func NewReceiver(cfg SourceSettings) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tcp receiver: %w", err)
	}
	var framer, err = NewFramer(cfg.TransmissionMode, cfg.StartOfMessageBytes, cfg.EndOfMessageBytes)
	if err != nil {
		return nil, err
	}
	serverTLS, err := cfg.TLS.ServerConfig()
	if err != nil {
		return nil, err
	}
	clientTLS, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	return &Receiver{
		cfg:       cfg,
		framer:    framer,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

func (r *Receiver) Name() string { return "TCP Listener" }

func (r *Receiver) DataType() string {
	if r.cfg.DataType != "" {
		return r.cfg.DataType
	}
	return "HL7V2"
}

func (r *Receiver) OnDeploy(context.Context) error {
	return r.cfg.Validate()
}

// Start brings up the listener or the outbound connection and returns. The
// receive loops run on their own tasks until |ctx| cancels or Stop is
// called.
func (r *Receiver) Start(ctx context.Context, env connector.Env) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var runCtx context.Context
	runCtx, r.cancel = context.WithCancel(ctx)
	r.env = env
	r.tasks = task.NewGroup(runCtx)

	if r.cfg.ServerMode {
		var listener, err = r.bindWithRetry(runCtx)
		if err != nil {
			r.cancel()
			return err
		}
		r.listener = listener
		r.tasks.Queue("tcp.acceptLoop", func() error {
			r.acceptLoop(r.tasks.Context(), listener)
			return nil
		})
		env.PostConnectionStatus(events.ConnectionListening, listener.Addr().String())
	} else {
		r.tasks.Queue("tcp.connectLoop", func() error {
			r.connectLoop(r.tasks.Context())
			return nil
		})
	}
	r.tasks.GoRun()
	return nil
}

// Stop tears down the listener and every open socket, then waits for the
// receive loops to drain. The receiver may be started again afterwards.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	r.cancel = nil

	if r.listener != nil {
		_ = r.listener.Close()
		r.listener = nil
	}
	for c := range r.conns {
		_ = c.Close()
	}
	var tasks = r.tasks
	r.mu.Unlock()

	r.wg.Wait()
	tasks.Cancel()
	if err := tasks.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	r.env.PostConnectionStatus(events.ConnectionDisconnected, "")
	return nil
}

// bindWithRetry listens on the configured address, retrying bind failures
// (typically EADDRINUSE from a lingering previous listener) a configured
// number of times.
func (r *Receiver) bindWithRetry(ctx context.Context) (net.Listener, error) {
	var addr = net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	var lastErr error

	for attempt := 0; attempt < r.cfg.bindRetryAttempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.cfg.bindRetryInterval()):
			}
		}
		var listener, err = net.Listen("tcp", addr)
		if err == nil {
			if r.serverTLS != nil {
				listener = tls.NewListener(listener, r.serverTLS)
			}
			return listener, nil
		}
		lastErr = err
		log.WithFields(log.Fields{
			"channel": r.env.ChannelID,
			"address": addr,
			"attempt": attempt + 1,
			"err":     err,
		}).Warn("binding TCP listener")
	}
	return nil, fmt.Errorf("binding %s: %w", addr, lastErr)
}

func (r *Receiver) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		var conn, err = listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithFields(log.Fields{
				"channel": r.env.ChannelID,
				"err":     err,
			}).Warn("accepting TCP connection")
			continue
		}

		r.mu.Lock()
		if len(r.conns) >= r.cfg.maxConnections() {
			r.mu.Unlock()
			_ = conn.Close()
			log.WithFields(log.Fields{
				"channel": r.env.ChannelID,
				"remote":  conn.RemoteAddr().String(),
				"max":     r.cfg.maxConnections(),
			}).Warn("destroying connection over the connection limit")
			r.env.PostConnectionStatus(events.ConnectionFailure, "connection limit reached")
			continue
		}
		r.conns[conn] = struct{}{}
		r.mu.Unlock()

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConn(ctx, conn)
		}()
	}
}

// connectLoop dials the configured peer and reads from it, reconnecting at
// the configured interval for as long as the receiver runs.
func (r *Receiver) connectLoop(ctx context.Context) {
	var addr = net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	for {
		if ctx.Err() != nil {
			return
		}
		r.env.PostConnectionStatus(events.ConnectionConnecting, addr)

		var dialer = &net.Dialer{Timeout: DefaultSocketTimeout}
		var conn net.Conn
		var err error
		if r.clientTLS != nil {
			conn, err = tls.DialWithDialer(dialer, "tcp", addr, r.clientTLS)
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithFields(log.Fields{
				"channel": r.env.ChannelID,
				"address": addr,
				"err":     err,
			}).Warn("connecting to TCP peer")
			r.env.PostConnectionStatus(events.ConnectionFailure, err.Error())
			if !sleepCtx(ctx, r.cfg.reconnectInterval()) {
				return
			}
			continue
		}

		r.mu.Lock()
		r.conns[conn] = struct{}{}
		r.mu.Unlock()
		r.handleConn(ctx, conn)

		if !sleepCtx(ctx, r.cfg.reconnectInterval()) {
			return
		}
	}
}

// handleConn reads framed messages from |conn| until it closes, the
// receiver stops, or an idle timeout fires with keepConnectionOpen off.
func (r *Receiver) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		_ = conn.Close()
		r.env.PostConnectorCount(false)
		r.env.PostConnectionStatus(events.ConnectionDisconnected, conn.RemoteAddr().String())
	}()
	r.env.PostConnectorCount(true)
	r.env.PostConnectionStatus(events.ConnectionConnected, conn.RemoteAddr().String())

	var readBuf = make([]byte, r.cfg.bufferSize())
	var acc []byte

	for {
		if ctx.Err() != nil {
			return
		}
		if t := r.cfg.receiveTimeout(); t > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t))
		}
		var n, err = conn.Read(readBuf)
		if n > 0 {
			acc = append(acc, readBuf[:n]...)
			acc = r.drainFrames(ctx, conn, acc)
		}
		if err == nil {
			continue
		}

		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if r.cfg.KeepConnectionOpen {
				r.env.PostConnectionStatus(events.ConnectionIdle, "receive timed out")
				continue
			}
			// An incomplete frame at timeout is discarded with the socket.
			return
		}
		// EOF, reset, or local close during Stop.
		return
	}
}

// drainFrames dispatches every complete frame in |acc| and returns the
// remaining bytes.
func (r *Receiver) drainFrames(ctx context.Context, conn net.Conn, acc []byte) []byte {
	for {
		var n, ok = r.framer.HasCompleteFrame(acc)
		if !ok {
			return acc
		}
		var payload, err = r.framer.Unframe(acc[:n])
		if err != nil {
			// Unreachable for a frame HasCompleteFrame accepted; drop it
			// rather than loop forever.
			log.WithFields(log.Fields{"channel": r.env.ChannelID, "err": err}).
				Error("unframing complete frame")
			return acc[n:]
		}
		acc = acc[n:]

		if r.cfg.BatchEnabled {
			for _, sub := range SplitHL7Batch(string(payload)) {
				r.dispatchOne(ctx, conn, sub)
			}
		} else {
			r.dispatchOne(ctx, conn, string(payload))
		}
	}
}

func (r *Receiver) dispatchOne(ctx context.Context, conn net.Conn, payload string) {
	if payload == "" {
		return
	}
	r.env.PostConnectionStatus(events.ConnectionReceiving, "")

	var sourceMap = map[string]any{}
	if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		sourceMap["remoteAddress"] = host
		sourceMap["remotePort"] = port
	}
	if host, port, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
		sourceMap["localAddress"] = host
		sourceMap["localPort"] = port
	}

	var msg, err = r.env.Receiver.Dispatch(ctx, payload, sourceMap)
	if err != nil {
		log.WithFields(log.Fields{
			"channel": r.env.ChannelID,
			"err":     err,
		}).Error("dispatching received message")
		r.env.PostConnectionStatus(events.ConnectionFailure, err.Error())
		return
	}
	r.respond(ctx, conn, msg, payload)
}

// respond writes the configured response for |msg| back to the peer.
func (r *Receiver) respond(ctx context.Context, conn net.Conn, msg *message.Message, inbound string) {
	var payload string
	switch r.cfg.ResponseMode {
	case RespondNone, "":
		return
	case RespondAuto:
		payload = SynthesizeACK(msg, inbound, time.Now())
	case RespondDestination:
		payload = firstDestinationResponse(msg)
	}
	if payload == "" {
		return
	}

	var target = conn
	if r.cfg.RespondOnNewConnection == RespondNewConnection {
		var addr = net.JoinHostPort(r.cfg.ResponseAddress, strconv.Itoa(r.cfg.ResponsePort))
		var fresh, err = (&net.Dialer{Timeout: DefaultSocketTimeout}).DialContext(ctx, "tcp", addr)
		if err != nil {
			log.WithFields(log.Fields{
				"channel": r.env.ChannelID,
				"address": addr,
				"err":     err,
			}).Error("opening response connection")
			return
		}
		defer fresh.Close()
		target = fresh
	}

	_ = target.SetWriteDeadline(time.Now().Add(DefaultSocketTimeout))
	if _, err := target.Write(r.framer.Frame([]byte(payload))); err != nil {
		log.WithFields(log.Fields{
			"channel": r.env.ChannelID,
			"err":     err,
		}).Error("writing receiver response")
	}
}

// firstDestinationResponse returns the response payload of the first
// destination that recorded one, in declared order.
func firstDestinationResponse(msg *message.Message) string {
	for _, cm := range msg.Destinations() {
		if v := cm.ContentValue(message.ResponseContent); v != "" {
			if resp, err := message.DecodeResponse(v); err == nil && resp.Message != "" {
				return resp.Message
			}
		}
	}
	return ""
}

// sleepCtx sleeps for |d| or until |ctx| cancels, reporting whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
