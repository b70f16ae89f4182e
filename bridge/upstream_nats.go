package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSUpstreamConfig configures the NATS-backed upstream forwarder.
type NATSUpstreamConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	UserID          string `yaml:"user_id"`
	ReconnectWaitMS int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// NATSUpstream forwards undeliverable tunnel frames to a relay over
// NATS and injects inbound frames back into the local router.
// Outbound frames publish to <prefix>.dispatch.<target>; inbound
// frames arrive on <prefix>.inbound.>.
type NATSUpstream struct {
	cfg  NATSUpstreamConfig
	conn *nats.Conn
	sub  *nats.Subscription
}

// ConnectNATSUpstream establishes the upstream link with reconnect
// handling.
func ConnectNATSUpstream(cfg NATSUpstreamConfig) (*NATSUpstream, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "airbridge"
	}
	reconnectWait := 2 * time.Second
	if cfg.ReconnectWaitMS > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWaitMS) * time.Millisecond
	}
	maxReconnects := -1 // retry forever by default
	if cfg.MaxReconnects > 0 {
		maxReconnects = cfg.MaxReconnects
	}

	opts := []nats.Option{
		nats.Name("airbridge-upstream"),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Upstream NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Upstream NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("Upstream NATS connection closed")
		}),
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect upstream NATS: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Str("prefix", cfg.SubjectPrefix).Msg("Upstream NATS connected")
	return &NATSUpstream{cfg: cfg, conn: conn}, nil
}

// Send publishes a frame to the dispatch subject for its target.
func (u *NATSUpstream) Send(f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Msg("Upstream frame encoding failed")
		return false
	}
	target := subjectToken(f.To)
	subject := u.cfg.SubjectPrefix + ".dispatch." + target
	if err := u.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Upstream publish failed")
		return false
	}
	log.Debug().Str("subject", subject).Str("from", f.From).Msg("Frame forwarded upstream")
	return true
}

// UserID returns the configured upstream account id.
func (u *NATSUpstream) UserID() string { return u.cfg.UserID }

// Connected reports whether the NATS link is currently up.
func (u *NATSUpstream) Connected() bool {
	return u.conn != nil && u.conn.Status() == nats.CONNECTED
}

// BindRouter subscribes to inbound frames and injects them into
// local delivery.
func (u *NATSUpstream) BindRouter(router *Router) error {
	subject := u.cfg.SubjectPrefix + ".inbound.>"
	sub, err := u.conn.Subscribe(subject, func(msg *nats.Msg) {
		var f Frame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed upstream frame")
			return
		}
		if f.To == "" {
			f.SetTo(TargetBroadcast)
		}
		if !router.DeliverLocal(f) {
			log.Debug().Str("target", f.To).Msg("Upstream frame had no local taker")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	u.sub = sub
	return nil
}

// Close drains the subscription and closes the connection.
func (u *NATSUpstream) Close() {
	if u.sub != nil {
		_ = u.sub.Unsubscribe()
	}
	if u.conn != nil {
		u.conn.Close()
	}
}

// subjectToken makes a routing target safe to embed in a NATS
// subject.
func subjectToken(target string) string {
	target = NormalizeAlias(target)
	if target == "" || target == TargetStar {
		return TargetBroadcast
	}
	target = strings.ReplaceAll(target, ".", "_")
	target = strings.ReplaceAll(target, " ", "_")
	target = strings.ReplaceAll(target, ">", "_")
	target = strings.ReplaceAll(target, "*", "_")
	return target
}
