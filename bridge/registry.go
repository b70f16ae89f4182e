package bridge

import (
	"sort"
	"strings"
	"sync"
)

// Registry tracks live connections and the aliases that reach them.
//
// Aliases live in two structures with different semantics:
//   - direct: alias -> the single most recent connection claiming it
//     (last write wins). Used for point-to-point delivery.
//   - tunnel: alias -> the set of every connection that registered it.
//     Used for tunnel fan-out, where multiple hops can legitimately
//     share one target name.
type Registry struct {
	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	direct map[string]*Conn
	tunnel map[string]map[*Conn]struct{}
	byConn map[*Conn]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[*Conn]struct{}),
		direct: make(map[string]*Conn),
		tunnel: make(map[string]map[*Conn]struct{}),
		byConn: make(map[*Conn]map[string]struct{}),
	}
}

// NormalizeAlias canonicalizes an alias for lookups: trim and
// lowercase. Empty results are unregistrable.
func NormalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

// Register adds a connection with no aliases yet. Broadcast reaches
// it immediately; direct delivery requires an alias.
func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn] = struct{}{}
	if r.byConn[conn] == nil {
		r.byConn[conn] = make(map[string]struct{})
	}
}

// RegisterAlias binds an alias to a connection in both the direct map
// (overwriting any previous holder) and the tunnel set.
func (r *Registry) RegisterAlias(conn *Conn, alias string) {
	alias = NormalizeAlias(alias)
	if alias == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn] = struct{}{}
	if r.byConn[conn] == nil {
		r.byConn[conn] = make(map[string]struct{})
	}
	r.byConn[conn][alias] = struct{}{}
	r.direct[alias] = conn
	set := r.tunnel[alias]
	if set == nil {
		set = make(map[*Conn]struct{})
		r.tunnel[alias] = set
	}
	set[conn] = struct{}{}
}

// RegisterConnection registers the connection plus every routing hint
// its handshake metadata carries as aliases.
func (r *Registry) RegisterConnection(conn *Conn) {
	r.Register(conn)
	meta := conn.Meta()
	for _, hint := range []string{
		meta.TargetHost,
		meta.HostHint,
		meta.ClientID,
		meta.SourceID,
		meta.RouteTarget,
	} {
		if strings.TrimSpace(hint) != "" {
			r.RegisterAlias(conn, hint)
		}
	}
}

// Unregister removes a connection and every alias binding it holds.
// Direct entries are cleared only when they still point at this
// connection; a newer claimant keeps the alias. Idempotent.
func (r *Registry) Unregister(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for alias := range r.byConn[conn] {
		if set, ok := r.tunnel[alias]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(r.tunnel, alias)
			}
		}
		if r.direct[alias] == conn {
			delete(r.direct, alias)
		}
	}
	delete(r.byConn, conn)
	delete(r.conns, conn)
}

// ResolveDirect returns the current holder of an alias, or nil.
func (r *Registry) ResolveDirect(alias string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.direct[NormalizeAlias(alias)]
}

// ResolveTunnelSet returns every connection registered under an
// alias, as a snapshot slice.
func (r *Registry) ResolveTunnelSet(alias string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.tunnel[NormalizeAlias(alias)]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// TunnelTargets returns the sorted list of aliases with at least one
// tunnel registration, for the debug endpoint.
func (r *Registry) TunnelTargets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tunnel))
	for alias := range r.tunnel {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// DeviceInfo is the per-connection view exposed by the debug surface.
type DeviceInfo struct {
	DeviceID     string `json:"deviceId,omitempty"`
	SocketID     string `json:"socketId"`
	ClientID     string `json:"clientId,omitempty"`
	SourceID     string `json:"sourceId,omitempty"`
	RouteTarget  string `json:"routeTarget,omitempty"`
	RouteHint    string `json:"routeHint,omitempty"`
	TargetHost   string `json:"targetHost,omitempty"`
	HostHint     string `json:"hostHint,omitempty"`
	TargetPort   string `json:"targetPort,omitempty"`
	ViaPort      string `json:"viaPort,omitempty"`
	ProtocolHint string `json:"protocolHint,omitempty"`
}

// Snapshot returns the debug view of every connection, sorted by
// socket id for stable output.
func (r *Registry) Snapshot() []DeviceInfo {
	conns := r.All()
	out := make([]DeviceInfo, 0, len(conns))
	for _, conn := range conns {
		meta := conn.Meta()
		out = append(out, DeviceInfo{
			DeviceID:     conn.DeviceID(),
			SocketID:     conn.ID(),
			ClientID:     meta.ClientID,
			SourceID:     meta.SourceID,
			RouteTarget:  meta.RouteTarget,
			RouteHint:    meta.RouteHint,
			TargetHost:   meta.TargetHost,
			HostHint:     meta.HostHint,
			TargetPort:   meta.TargetPort,
			ViaPort:      meta.ViaPort,
			ProtocolHint: meta.ProtocolHint,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out
}
