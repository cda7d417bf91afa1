package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "pawfect/contracts/realtime/v1"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "pawfect.rooms."

// bridgeMessage is what travels between instances.
type bridgeMessage struct {
	Origin   string      `json:"origin"`
	Room     string      `json:"room"`
	Envelope v1.Envelope `json:"envelope"`
}

// NATSBridge fans room events out across instances over NATS core pub/sub.
//
// Each instance publishes with its own id and ignores messages carrying it, so
// local members are never delivered twice.
type NATSBridge struct {
	conn     *nats.Conn
	sub      *nats.Subscription
	hub      *Hub
	log      *slog.Logger
	instance string
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string, log *slog.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats url is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("pawfect"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats.reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("nats.error", "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NewNATSBridge subscribes to every room subject and attaches itself to hub as publisher.
func NewNATSBridge(nc *nats.Conn, hub *Hub, instance string, log *slog.Logger) (*NATSBridge, error) {
	if nc == nil || hub == nil {
		return nil, errors.New("nats bridge requires a connection and a hub")
	}
	if strings.TrimSpace(instance) == "" {
		return nil, errors.New("nats bridge requires an instance id")
	}
	if log == nil {
		log = slog.Default()
	}

	b := &NATSBridge{conn: nc, hub: hub, log: log, instance: instance}
	sub, err := nc.Subscribe(subjectPrefix+">", b.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe rooms: %w", err)
	}
	b.sub = sub
	hub.SetPublisher(b)
	return b, nil
}

// Publish implements Publisher.
func (b *NATSBridge) Publish(room string, env v1.Envelope) error {
	data, err := json.Marshal(bridgeMessage{Origin: b.instance, Room: room, Envelope: env})
	if err != nil {
		return err
	}
	return b.conn.Publish(subjectPrefix+room, data)
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	var m bridgeMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		b.log.Warn("realtime.bridge.decode_failed", "subject", msg.Subject, "err", err)
		return
	}
	if m.Origin == b.instance {
		return
	}
	if m.Room == "" {
		m.Room = strings.TrimPrefix(msg.Subject, subjectPrefix)
	}
	b.hub.DeliverLocal(m.Room, m.Envelope, "")
}

// Close detaches the bridge from the hub and unsubscribes. The connection is left to the caller.
func (b *NATSBridge) Close() error {
	b.hub.SetPublisher(nil)
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
