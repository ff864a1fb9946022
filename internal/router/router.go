// Package router is the simulated network layer for multi-node test
// scenarios. Nodes connect over WebSocket, identify themselves with a text
// frame, and exchange binary kernel-message envelopes; the router forwards
// each envelope to its target identity.
//
// A message addressed to an identity with no live connection is dropped
// silently. That is a deliberate simulation shortcut, not a delivery
// guarantee to preserve in a production router.
package router

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/loomnet/loomctl/internal/lifecycle"
	"github.com/loomnet/loomctl/internal/observability"
)

const (
	// PingText probes a port for an already-running router; PongText is the
	// distinct reply that proves a router (and not just any WebSocket
	// endpoint) answered.
	PingText = "Hello, Loom network router?"
	PongText = "Yes hello, this is a Loom network router."

	sendQueueDepth = 32
	probeDeadline  = time.Second
)

var (
	errHandshake = errors.New("router: handshake failed")
	errPeerGone  = errors.New("router: peer closed before handshake")
)

// Connection is the routing table entry for one identified node: a send
// queue toward its socket task and a signal to shut that task down.
type Connection struct {
	sendToNode chan KernelMessage
	done       chan struct{}
}

type registration struct {
	identity string
	conn     *Connection
}

type router struct {
	inbox       chan KernelMessage
	register    chan registration
	unregister  chan registration
	stopped     chan struct{}
	connections map[string]*Connection
	upgrader    websocket.Upgrader
}

// Serve runs a network router on port until kill fires. If a healthy router
// already answers the ping protocol on that port it is reused and Serve
// returns immediately.
func Serve(port uint16, kill *lifecycle.KillSwitch) error {
	if probeExistingRouter(port) {
		log.Info().Uint16("port", port).Msg("network router already running, reusing")
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("router: bind port %d: %w", port, err)
	}

	rt := &router{
		inbox:       make(chan KernelMessage, sendQueueDepth),
		register:    make(chan registration),
		unregister:  make(chan registration),
		stopped:     make(chan struct{}),
		connections: make(map[string]*Connection),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/", rt.handleSocket)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "network-router"})
	})
	observability.RegisterMetrics()
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Handler: engine}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("router: serve")
		}
	}()

	log.Info().Uint16("port", port).Msg("network router online")
	rt.loop(kill)
	return srv.Close()
}

// loop owns the connection table; all mutation arrives over channels.
func (rt *router) loop(kill *lifecycle.KillSwitch) {
	for {
		select {
		case reg := <-rt.register:
			if prev, ok := rt.connections[reg.identity]; ok {
				close(prev.done)
			} else {
				observability.RecordConnectionOpened()
			}
			rt.connections[reg.identity] = reg.conn
			log.Debug().Str("identity", reg.identity).Msg("router: node connected")
		case reg := <-rt.unregister:
			// A reconnect replaces the table entry before the stale socket
			// unwinds; only the connection that still owns the entry may
			// remove it.
			if conn, ok := rt.connections[reg.identity]; ok && conn == reg.conn {
				delete(rt.connections, reg.identity)
				close(conn.done)
				observability.RecordConnectionClosed()
			}
		case msg := <-rt.inbox:
			conn, ok := rt.connections[msg.Target.Node]
			if !ok {
				// Target not connected right now; valid transient state.
				observability.RecordMessageDropped(msg.Target.Node)
				log.Debug().Str("target", msg.Target.Node).Msg("router: dropped message for unconnected target")
				continue
			}
			select {
			case conn.sendToNode <- msg:
				observability.RecordMessageRouted(msg.Target.Node)
			case <-conn.done:
			}
		case <-kill.Done():
			for _, conn := range rt.connections {
				close(conn.done)
			}
			rt.connections = make(map[string]*Connection)
			close(rt.stopped)
			return
		}
	}
}

// handleSocket upgrades one node connection, performs the identity handshake,
// and runs the two per-connection tasks until the socket or router closes.
func (rt *router) handleSocket(c *gin.Context) {
	ws, err := rt.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("router: upgrade failed")
		return
	}
	// The probe ping gets the router's distinct pong text so a prober can
	// tell a router apart from an arbitrary WebSocket endpoint.
	ws.SetPingHandler(func(appData string) error {
		payload := []byte(appData)
		if appData == PingText {
			payload = []byte(PongText)
		}
		err := ws.WriteControl(websocket.PongMessage, payload, time.Now().Add(probeDeadline))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	identity, err := handshake(ws)
	if err != nil {
		// A peer that pings and leaves is the reuse probe, not a protocol error.
		if !errors.Is(err, errPeerGone) {
			observability.RecordHandshakeFailure()
			log.Error().Err(err).Msg("router: dropping connection")
		}
		ws.Close()
		return
	}

	conn := &Connection{
		sendToNode: make(chan KernelMessage, sendQueueDepth),
		done:       make(chan struct{}),
	}
	select {
	case rt.register <- registration{identity: identity, conn: conn}:
	case <-rt.stopped:
		ws.Close()
		return
	}

	// Writer: serialize queued envelopes toward the node; closing the socket
	// on done also unblocks the read loop below.
	go func() {
		defer ws.Close()
		for {
			select {
			case msg := <-conn.sendToNode:
				data, err := EncodeKernelMessage(msg)
				if err != nil {
					log.Error().Err(err).Msg("router: encode for send")
					return
				}
				if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
					log.Error().Err(err).Str("identity", identity).Msg("router: send to node")
					return
				}
			case <-conn.done:
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		msg, err := DecodeKernelMessage(data)
		if err != nil {
			log.Error().Err(err).Str("identity", identity).Msg("router: unparseable frame")
			break
		}
		select {
		case rt.inbox <- msg:
		case <-conn.done:
		}
	}
	select {
	case rt.unregister <- registration{identity: identity, conn: conn}:
	case <-rt.stopped:
	}
}

// handshake requires the first client frame to be a text frame carrying the
// node identity. Anything else is a protocol error for that connection only.
func handshake(ws *websocket.Conn) (string, error) {
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errPeerGone, err)
	}
	if messageType != websocket.TextMessage {
		return "", fmt.Errorf("%w: first frame was not text", errHandshake)
	}
	identity := string(data)
	if identity == "" {
		return "", fmt.Errorf("%w: empty identity", errHandshake)
	}
	return identity, nil
}

// probeExistingRouter pings ws://127.0.0.1:port and reports whether a router
// answered with PongText. The server processes the ping while its handshake
// read is pending, so the probe never has to identify itself.
func probeExistingRouter(port uint16) bool {
	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	dialer := websocket.Dialer{HandshakeTimeout: probeDeadline}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return false
	}
	defer ws.Close()

	pong := make(chan struct{}, 1)
	ws.SetPongHandler(func(appData string) error {
		// Any WebSocket server pongs; only a router pongs with PongText.
		if appData == PongText {
			pong <- struct{}{}
		}
		return nil
	})
	if err := ws.WriteControl(websocket.PingMessage, []byte(PingText), time.Now().Add(probeDeadline)); err != nil {
		return false
	}
	_ = ws.SetReadDeadline(time.Now().Add(probeDeadline))
	go func() {
		// Read pump so the pong handler can fire; the deadline ends it.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	select {
	case <-pong:
		return true
	case <-time.After(probeDeadline):
		return false
	}
}
