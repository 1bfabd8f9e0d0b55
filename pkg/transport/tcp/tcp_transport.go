package tcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/tnetbin"
	"tarun-kavipurapu/waggle/pkg/transport"
)

var (
	ErrNotOpen   = errors.New("link not open")
	ErrLinkState = errors.New("link in wrong state")
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 5 * time.Second
)

// description is the offer, answer and candidate body: where to reach us.
type description struct {
	Addr string `json:"addr"`
}

// TCPTransport implements transport.Transport over plain TCP. Offers and
// answers carry listen addresses; the offerer dials and introduces itself
// with a hello control frame so the responder can bind the connection to the
// link it answered with.
type TCPTransport struct {
	listenAddr string
	advertise  []string
	listener   net.Listener
	localID    string

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	awaiting map[string]*TCPLink // responder links waiting for the hello
	links    map[*TCPLink]struct{}
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		listenAddr: addr,
		events:     make(chan transport.Event, 1024),
		done:       make(chan struct{}),
		awaiting:   make(map[string]*TCPLink),
		links:      make(map[*TCPLink]struct{}),
	}
}

// SetLocalID sets the id sent in hello frames. It must be set before the
// first link is completed.
func (t *TCPTransport) SetLocalID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localID = id
}

// SetAdvertise overrides the addresses handed to remote peers. The first
// goes in offers and answers, the rest are trickled as candidates.
func (t *TCPTransport) SetAdvertise(addrs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertise = addrs
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if len(t.advertise) == 0 {
		t.advertise = []string{reachableAddr(t.listener.Addr())}
	}
	t.mu.Unlock()

	go t.acceptLoop()
	return nil
}

// reachableAddr replaces an unspecified listen host with loopback.
func reachableAddr(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok || !tcpAddr.IP.IsUnspecified() {
		return addr.String()
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(tcpAddr.Port))
}

// Addr returns the bound listen address, or the configured one before
// ListenAndAccept.
func (t *TCPTransport) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.listenAddr, err)
			continue
		}
		go t.handshake(conn)
	}
}

// handshake reads the hello of an inbound connection and binds it.
func (t *TCPTransport) handshake(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msgType, payload, err := readFrame(conn)
	if err != nil || msgType != FrameTypeControl {
		logger.Sugar.Warnf("[TCPTransport] bad hello: remote=%s type=%d err=%v", conn.RemoteAddr(), msgType, err)
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	peer, err := parseHello(payload)
	if err != nil {
		logger.Sugar.Warnf("[TCPTransport] bad hello: remote=%s err=%v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	t.mu.Lock()
	link, ok := t.awaiting[peer]
	delete(t.awaiting, peer)
	t.mu.Unlock()
	if !ok {
		logger.Sugar.Warnf("[TCPTransport] unexpected hello: peer=%s remote=%s", peer, conn.RemoteAddr())
		conn.Close()
		return
	}
	link.open(conn)
}

func (t *TCPTransport) hello() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tnetbin.Encode(map[string]any{"peer": t.localID})
}

func parseHello(payload []byte) (string, error) {
	v, _, err := tnetbin.Decode(payload)
	if err != nil {
		return "", err
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("hello is %T", v)
	}
	peer, ok := fields["peer"].(string)
	if !ok || peer == "" {
		return "", errors.New("hello without peer")
	}
	return peer, nil
}

func (t *TCPTransport) NewLink(peer string) transport.Link {
	link := &TCPLink{t: t, peer: peer}
	t.mu.Lock()
	t.links[link] = struct{}{}
	t.mu.Unlock()
	return link
}

func (t *TCPTransport) Consume() <-chan transport.Event {
	return t.events
}

func (t *TCPTransport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *TCPTransport) local() (description, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.advertise) == 0 {
		return description{Addr: t.listenAddr}, nil
	}
	return description{Addr: t.advertise[0]}, append([]string(nil), t.advertise[1:]...)
}

func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.listener != nil {
			err = t.listener.Close()
		}
		t.mu.Lock()
		links := make([]*TCPLink, 0, len(t.links))
		for l := range t.links {
			links = append(links, l)
		}
		t.mu.Unlock()
		for _, l := range links {
			l.Close()
		}
	})
	return err
}

// TCPLink implements transport.Link
type TCPLink struct {
	t    *TCPTransport
	peer string

	mu      sync.Mutex
	conn    net.Conn
	remote  []string // addresses to dial, answer first
	started bool
	closed  bool
}

func (l *TCPLink) Peer() string { return l.peer }

func (l *TCPLink) Offer() (json.RawMessage, error) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil, fmt.Errorf("offer to %s: %w", l.peer, ErrLinkState)
	}
	l.started = true
	l.mu.Unlock()

	return l.describe()
}

func (l *TCPLink) Answer(offer json.RawMessage) (json.RawMessage, error) {
	var remote description
	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, fmt.Errorf("offer from %s: %w", l.peer, err)
	}

	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil, fmt.Errorf("answer to %s: %w", l.peer, ErrLinkState)
	}
	l.started = true
	l.remote = append(l.remote, remote.Addr)
	l.mu.Unlock()

	l.t.mu.Lock()
	l.t.awaiting[l.peer] = l
	l.t.mu.Unlock()

	return l.describe()
}

func (l *TCPLink) describe() (json.RawMessage, error) {
	desc, extra := l.t.local()
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		go func() {
			for _, addr := range extra {
				candidate, _ := json.Marshal(description{Addr: addr})
				l.t.emit(transport.Event{Peer: l.peer, Kind: transport.EventCandidate, Candidate: candidate})
			}
		}()
	}
	return raw, nil
}

// Complete applies the remote answer and starts dialing.
func (l *TCPLink) Complete(answer json.RawMessage) error {
	var remote description
	if err := json.Unmarshal(answer, &remote); err != nil {
		return fmt.Errorf("answer from %s: %w", l.peer, err)
	}

	l.mu.Lock()
	if !l.started || l.conn != nil || l.closed {
		l.mu.Unlock()
		return fmt.Errorf("complete %s: %w", l.peer, ErrLinkState)
	}
	addrs := append([]string{remote.Addr}, l.remote...)
	l.mu.Unlock()

	go l.dial(addrs)
	return nil
}

func (l *TCPLink) AddCandidate(candidate json.RawMessage) error {
	var remote description
	if err := json.Unmarshal(candidate, &remote); err != nil {
		return fmt.Errorf("candidate from %s: %w", l.peer, err)
	}
	l.mu.Lock()
	l.remote = append(l.remote, remote.Addr)
	l.mu.Unlock()
	return nil
}

func (l *TCPLink) dial(addrs []string) {
	hello, err := l.t.hello()
	if err != nil {
		l.fail(err)
		return
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		if err := writeFrame(conn, FrameTypeControl, hello); err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		l.open(conn)
		return
	}
	if lastErr == nil {
		lastErr = errors.New("no address to dial")
	}
	l.fail(fmt.Errorf("dial %s: %w", l.peer, lastErr))
}

func (l *TCPLink) fail(err error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.t.emit(transport.Event{Peer: l.peer, Kind: transport.EventFailed, Err: err})
}

func (l *TCPLink) open(conn net.Conn) {
	l.mu.Lock()
	if l.closed || l.conn != nil {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	l.mu.Unlock()

	logger.Sugar.Debugf("[TCPTransport] link open: peer=%s remote=%s", l.peer, conn.RemoteAddr())
	l.t.emit(transport.Event{Peer: l.peer, Kind: transport.EventOpen})
	go l.readLoop(conn)
}

func (l *TCPLink) readLoop(conn net.Conn) {
	for {
		msgType, payload, err := readFrame(conn)
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			if errors.Is(err, io.EOF) {
				err = nil
			} else {
				logger.Sugar.Errorf("[TCPTransport] read error: peer=%s err=%v", l.peer, err)
			}
			l.t.emit(transport.Event{Peer: l.peer, Kind: transport.EventClosed, Err: err})
			return
		}

		switch msgType {
		case FrameTypeMessage:
			l.t.emit(transport.Event{Peer: l.peer, Kind: transport.EventMessage, Frame: payload})
		case FrameTypeControl:
			// a second hello is harmless
		default:
			logger.Sugar.Errorf("[TCPTransport] unknown frame type: %d", msgType)
			conn.Close()
		}
	}
}

func (l *TCPLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil || l.closed {
		return fmt.Errorf("send to %s: %w", l.peer, ErrNotOpen)
	}
	return writeFrame(l.conn, FrameTypeMessage, frame)
}

func (l *TCPLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.mu.Unlock()

	l.t.mu.Lock()
	if l.t.awaiting[l.peer] == l {
		delete(l.t.awaiting, l.peer)
	}
	delete(l.t.links, l)
	l.t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
