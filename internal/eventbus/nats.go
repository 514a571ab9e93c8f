package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	logx "crosspost/pkg/logx"
)

const DefaultSubjectPrefix = "crosspost.events"

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge forwards bus events to NATS as JSON on <prefix>.<type>.
type Bridge struct {
	bus    Bus
	pub    Publisher
	prefix string
	log    logx.Logger
}

func NewBridge(bus Bus, pub Publisher, prefix string, log logx.Logger) *Bridge {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{bus: bus, pub: pub, prefix: prefix, log: log.With(logx.String("comp", "eventbus.nats"))}
}

func (b *Bridge) Subject(typ string) string { return b.prefix + "." + typ }

// Run subscribes to the bus and forwards until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ch, unsub := b.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := b.forward(e); err != nil {
				b.log.Warn("event forward failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func (b *Bridge) forward(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.pub.Publish(b.Subject(e.Type), data)
}

// Connect dials NATS with unbounded reconnects.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}
