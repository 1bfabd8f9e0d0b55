package centralserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	"golang.org/x/net/websocket"

	"tarun-kavipurapu/waggle/pkg/discovery"
	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/protocol"
)

// RoomsPath is where rooms are served: GET RoomsPath/<room> upgrades to the
// signaling websocket.
const RoomsPath = "/api/rooms"

const writeTimeout = 10 * time.Second

// Handler routes the signaling websocket, a JSON status page and the
// Prometheus metrics.
func (c *CentralServer) Handler() http.Handler {
	router := httprouter.New()
	router.GET(RoomsPath+"/:room", c.handleRoom)
	router.GET("/api/status", c.handleStatus)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

func (c *CentralServer) handleRoom(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("room")
	websocket.Handler(func(conn *websocket.Conn) {
		c.serveConn(conn, name)
	}).ServeHTTP(w, r)
}

func (c *CentralServer) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rooms, err := c.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rooms)
}

// serveConn runs one peer connection until it ends.
func (c *CentralServer) serveConn(conn *websocket.Conn, roomName string) {
	cl := c.newClient(roomName, conn)
	if !submit(c, c.joinCh, cl) {
		_ = conn.Close()
		return
	}
	defer func() {
		submit(c, c.leaveCh, cl)
		_ = conn.Close()
	}()

	go c.wsWriter(conn, cl)
	c.wsReader(conn, cl)
}

func (c *CentralServer) wsWriter(conn *websocket.Conn, cl *client) {
	for env := range cl.sendCh {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := websocket.JSON.Send(conn, env); err != nil {
			logger.Sugar.Debugf("[CentralServer] write to %s failed: %v", cl.uid, err)
			_ = conn.Close()
			// drain so the hub never blocks on us
			for range cl.sendCh {
			}
			return
		}
	}
}

func (c *CentralServer) wsReader(conn *websocket.Conn, cl *client) {
	for {
		var env protocol.Envelope
		if err := websocket.JSON.Receive(conn, &env); err != nil {
			return
		}
		if !submit(c, c.inboundCh, inbound{c: cl, env: env}) {
			return
		}
	}
}

// httpService serves the handler on a listener as a supervised service.
type httpService struct {
	ln      net.Listener
	handler http.Handler
}

func (h *httpService) Serve(ctx context.Context) error {
	srv := &http.Server{Handler: h.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(h.ln) }()

	select {
	case err := <-errCh:
		// A dead listener cannot be restarted.
		return fmt.Errorf("%w: http: %v", suture.ErrTerminateSupervisorTree, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (h *httpService) String() string { return "http " + h.ln.Addr().String() }

// mdnsService advertises the signaling endpoint on the local network.
type mdnsService struct {
	instance string
	port     int
}

func (m *mdnsService) Serve(ctx context.Context) error {
	adv := discovery.NewAdvertiser()
	meta := map[string]string{
		"version":          "1",
		discovery.MetaPath: RoomsPath,
	}
	if err := adv.Start(m.instance, m.port, meta); err != nil {
		logger.Sugar.Errorf("[CentralServer] Failed to start mDNS advertisement: %v", err)
		return fmt.Errorf("%w: %v", suture.ErrDoNotRestart, err)
	}
	logger.Sugar.Infof("[CentralServer] mDNS advertisement started on port %d", m.port)
	<-ctx.Done()
	adv.Stop()
	return ctx.Err()
}

func (m *mdnsService) String() string { return "mdns advertiser" }

// Options selects the optional parts of Run.
type Options struct {
	MDNS         bool
	InstanceName string
}

// Run serves on ln until ctx is done, supervising the hub, the HTTP server
// and, if enabled, the mDNS advertisement.
func (c *CentralServer) Run(ctx context.Context, ln net.Listener, opts Options) error {
	sup := suture.New("waggle-server", suture.Spec{
		EventHook: func(e suture.Event) { logger.Sugar.Warnf("[CentralServer] %s", e) },
	})
	sup.Add(c)
	sup.Add(&httpService{ln: ln, handler: c.Handler()})
	if opts.MDNS {
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			sup.Add(&mdnsService{instance: opts.InstanceName, port: addr.Port})
		}
	}

	logger.Sugar.Infof("[CentralServer] [%s] serving rooms at %s", ln.Addr(), RoomsPath)
	err := sup.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
