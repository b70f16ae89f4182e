package bridge

import (
	"net/http"
	"strings"
)

// Metadata is the per-connection routing context captured once from
// the websocket handshake. It never changes after the upgrade.
type Metadata struct {
	RemoteAddr     string `json:"remoteAddr,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	SourceID       string `json:"sourceId,omitempty"`
	RouteHint      string `json:"routeHint,omitempty"`
	RouteTarget    string `json:"routeTarget,omitempty"`
	TargetHost     string `json:"targetHost,omitempty"`
	HostHint       string `json:"hostHint,omitempty"`
	TargetPort     string `json:"targetPort,omitempty"`
	ViaPort        string `json:"viaPort,omitempty"`
	ProtocolHint   string `json:"protocolHint,omitempty"`
	HopHint        string `json:"hopHint,omitempty"`
	ForwardedFor   string `json:"forwardedFor,omitempty"`
	ForwardedHost  string `json:"forwardedHost,omitempty"`
	ForwardedProto string `json:"forwardedProto,omitempty"`
}

// MetadataFromRequest snapshots the routing hints a client supplies
// during the handshake via query parameters and proxy headers.
func MetadataFromRequest(r *http.Request) Metadata {
	q := r.URL.Query()
	pick := func(keys ...string) string {
		for _, key := range keys {
			if v := strings.TrimSpace(q.Get(key)); v != "" {
				return v
			}
		}
		return ""
	}
	return Metadata{
		RemoteAddr:     r.RemoteAddr,
		ClientID:       pick("clientId", "client_id"),
		SourceID:       pick("sourceId", "source_id"),
		RouteHint:      normalizeHint(pick("__airpad_via", "routeHint")),
		RouteTarget:    pick("routeTarget", "__airpad_route_target"),
		TargetHost:     pick("__airpad_target", "targetHost"),
		HostHint:       pick("__airpad_host", "hostHint"),
		TargetPort:     pick("__airpad_target_port"),
		ViaPort:        pick("__airpad_via_port"),
		ProtocolHint:   pick("__airpad_protocol"),
		HopHint:        pick("__airpad_hop"),
		ForwardedFor:   r.Header.Get("X-Forwarded-For"),
		ForwardedHost:  r.Header.Get("X-Forwarded-Host"),
		ForwardedProto: r.Header.Get("X-Forwarded-Proto"),
	}
}

// IsTunnel reports whether this connection asked for tunnel routing.
func (m Metadata) IsTunnel() bool {
	return normalizeHint(m.RouteHint) == "tunnel"
}

// normalizeHint lowercases and trims a routing hint for comparison.
func normalizeHint(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
