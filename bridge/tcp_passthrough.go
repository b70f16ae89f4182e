package bridge

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxTCPSessions caps concurrent passthrough sessions per connection.
const maxTCPSessions = 16

const defaultTCPDialTimeout = 10 * time.Second

// TCPPolicy decides which hosts a client may open passthrough
// sessions to. Localhost and private ranges are always allowed; bare
// public IPs are always blocked; public hostnames need an explicit
// allow entry, an AllowAll flag, or a host:port override.
type TCPPolicy struct {
	AllowAll  bool
	Hosts     map[string]struct{}
	HostPorts map[string]struct{}
}

// NewTCPPolicy builds a policy from allow-list entries. Entries with
// a colon become host:port overrides; "all"/"*" sets AllowAll.
func NewTCPPolicy(entries []string, allowAll bool) *TCPPolicy {
	p := &TCPPolicy{
		AllowAll:  allowAll,
		Hosts:     make(map[string]struct{}),
		HostPorts: make(map[string]struct{}),
	}
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == "all" || entry == "*" {
			p.AllowAll = true
			continue
		}
		if strings.Contains(entry, ":") {
			p.HostPorts[entry] = struct{}{}
			continue
		}
		p.Hosts[entry] = struct{}{}
	}
	return p
}

// Allow applies the policy to one dial target.
func (p *TCPPolicy) Allow(host string, port int) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := p.HostPorts[host+":"+strconv.Itoa(port)]; ok {
		return true
	}
	if _, ok := p.Hosts[host]; ok {
		return true
	}
	if p.AllowAll {
		return true
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		// Bare IPs only pass when they point at the local network.
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
	}
	return isLocalHost(host)
}

// tcpFrame is the wire shape of the tcp.* message family.
type tcpFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Target    string `json:"target,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Data      string `json:"data,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TimeoutMS int    `json:"timeoutMs,omitempty"`
}

// tcpManager owns the passthrough sessions of one connection.
type tcpManager struct {
	conn   *Conn
	policy *TCPPolicy

	mu       sync.Mutex
	sessions map[string]net.Conn
	closed   bool
}

func newTCPManager(conn *Conn, policy *TCPPolicy) *tcpManager {
	return &tcpManager{
		conn:     conn,
		policy:   policy,
		sessions: make(map[string]net.Conn),
	}
}

// HandleFrame dispatches one tcp.* frame. Returns false for types it
// does not own.
func (t *tcpManager) HandleFrame(f tcpFrame) bool {
	switch f.Type {
	case "tcp.connect":
		t.connect(f)
	case "tcp.send":
		t.send(f)
	case "tcp.close":
		t.close(f.SessionID, "client request")
	default:
		return false
	}
	return true
}

func (t *tcpManager) connect(f tcpFrame) {
	sessionID := f.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	host := firstNonEmptyString(f.Target, f.Host)
	if host == "" || f.Port <= 0 || f.Port > 65535 {
		t.emitError(sessionID, "invalid target")
		return
	}
	if !t.policy.Allow(host, f.Port) {
		log.Warn().Str("host", host).Int("port", f.Port).Msg("TCP passthrough target denied")
		t.emitError(sessionID, "target not allowed")
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if len(t.sessions) >= maxTCPSessions {
		t.mu.Unlock()
		t.emitError(sessionID, "too many sessions")
		return
	}
	// Reserve the slot before dialing so a burst cannot exceed the cap.
	t.sessions[sessionID] = nil
	t.mu.Unlock()

	timeout := defaultTCPDialTimeout
	if f.TimeoutMS > 0 {
		timeout = time.Duration(f.TimeoutMS) * time.Millisecond
	}
	addr := net.JoinHostPort(host, strconv.Itoa(f.Port))
	netConn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		t.release(sessionID)
		t.emitError(sessionID, fmt.Sprintf("connect failed: %v", err))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		netConn.Close()
		return
	}
	t.sessions[sessionID] = netConn
	t.mu.Unlock()

	t.emit(tcpFrame{Type: "tcp.connected", SessionID: sessionID, Target: host, Port: f.Port})
	go t.readLoop(sessionID, netConn)
}

func (t *tcpManager) send(f tcpFrame) {
	t.mu.Lock()
	netConn := t.sessions[f.SessionID]
	t.mu.Unlock()
	if netConn == nil {
		t.emitError(f.SessionID, "unknown session")
		return
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		t.emitError(f.SessionID, "bad payload encoding")
		return
	}
	if _, err := netConn.Write(data); err != nil {
		t.close(f.SessionID, fmt.Sprintf("write failed: %v", err))
	}
}

func (t *tcpManager) readLoop(sessionID string, netConn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := netConn.Read(buf)
		if n > 0 {
			t.emit(tcpFrame{
				Type:      "tcp.data",
				SessionID: sessionID,
				Data:      base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err != nil {
			t.close(sessionID, "remote closed")
			return
		}
	}
}

func (t *tcpManager) close(sessionID, reason string) {
	t.mu.Lock()
	netConn, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if netConn != nil {
		netConn.Close()
	}
	t.emit(tcpFrame{Type: "tcp.closed", SessionID: sessionID, Reason: reason})
}

func (t *tcpManager) release(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// CloseAll tears down every session; called on disconnect.
func (t *tcpManager) CloseAll() {
	t.mu.Lock()
	t.closed = true
	sessions := t.sessions
	t.sessions = make(map[string]net.Conn)
	t.mu.Unlock()
	for _, netConn := range sessions {
		if netConn != nil {
			netConn.Close()
		}
	}
}

func (t *tcpManager) emit(f tcpFrame) {
	if err := t.conn.SendEvent(EventMessage, f); err != nil {
		log.Debug().Err(err).Str("session", f.SessionID).Msg("TCP frame delivery failed")
	}
}

func (t *tcpManager) emitError(sessionID, reason string) {
	t.emit(tcpFrame{Type: "tcp.error", SessionID: sessionID, Reason: reason})
}
