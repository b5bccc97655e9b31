// Package transport defines the partner send boundary and routes each send to
// the wire implementation selected by the partner's address scheme.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"distreg/internal/domain"
)

// Envelope is what a partner receives for one package delivery.
type Envelope struct {
	DispatchID    string
	PackageID     string
	Name          string
	Version       int
	Checksum      string
	Payload       []byte
	PriorityClass domain.PriorityClass
	// Key is a rendered distribution key token for correlation on the partner side.
	Key          string
	SourceTenant string
	PartnerID    string
	SentAt       time.Time
}

type Ack struct {
	PartnerID  string
	Receipt    string
	ReceivedAt time.Time
}

type Sender interface {
	Send(ctx context.Context, p domain.Partner, env Envelope) (Ack, error)
}

type SenderFunc func(ctx context.Context, p domain.Partner, env Envelope) (Ack, error)

func (f SenderFunc) Send(ctx context.Context, p domain.Partner, env Envelope) (Ack, error) {
	return f(ctx, p, env)
}

type Scheme string

const (
	SchemeSocket Scheme = "tcp"
	SchemeKafka  Scheme = "kafka"
	SchemeAMQP   Scheme = "amqp"
)

// Target is a parsed partner address.
type Target struct {
	Scheme Scheme
	// HostPort is set for socket targets.
	HostPort string
	// Brokers and Topic are set for kafka targets.
	Brokers []string
	Topic   string
	// URL, Exchange and RoutingKey are set for amqp targets. URL has the
	// exchange and routing_key query parameters removed.
	URL        string
	Exchange   string
	RoutingKey string
}

// ParseAddress accepts host:port, tcp://host:port,
// kafka://broker[,broker...]/topic and amqp(s)://...?exchange=x&routing_key=k.
func ParseAddress(addr string) (Target, error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return Target{}, fmt.Errorf("%w: empty address", domain.ErrInvalidPartner)
	case strings.HasPrefix(addr, "tcp://"):
		hp := strings.TrimPrefix(addr, "tcp://")
		if err := checkHostPort(hp); err != nil {
			return Target{}, err
		}
		return Target{Scheme: SchemeSocket, HostPort: hp}, nil
	case strings.HasPrefix(addr, "kafka://"):
		return parseKafka(strings.TrimPrefix(addr, "kafka://"))
	case strings.HasPrefix(addr, "amqp://"), strings.HasPrefix(addr, "amqps://"):
		return parseAMQP(addr)
	case strings.Contains(addr, "://"):
		return Target{}, fmt.Errorf("%w: unsupported address scheme in %q", domain.ErrInvalidPartner, addr)
	}
	if err := checkHostPort(addr); err != nil {
		return Target{}, err
	}
	return Target{Scheme: SchemeSocket, HostPort: addr}, nil
}

func checkHostPort(hp string) error {
	host, port, err := net.SplitHostPort(hp)
	if err != nil {
		return fmt.Errorf("%w: address %q: %v", domain.ErrInvalidPartner, hp, err)
	}
	if host == "" {
		return fmt.Errorf("%w: address %q has no host", domain.ErrInvalidPartner, hp)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: address %q has invalid port", domain.ErrInvalidPartner, hp)
	}
	return nil
}

func parseKafka(rest string) (Target, error) {
	brokersPart, topic, ok := strings.Cut(rest, "/")
	if !ok || topic == "" || strings.Contains(topic, "/") {
		return Target{}, fmt.Errorf("%w: kafka address needs kafka://brokers/topic", domain.ErrInvalidPartner)
	}
	var brokers []string
	for _, b := range strings.Split(brokersPart, ",") {
		if err := checkHostPort(b); err != nil {
			return Target{}, err
		}
		brokers = append(brokers, b)
	}
	return Target{Scheme: SchemeKafka, Brokers: brokers, Topic: topic}, nil
}

func parseAMQP(addr string) (Target, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return Target{}, fmt.Errorf("%w: amqp address: %v", domain.ErrInvalidPartner, err)
	}
	if u.Hostname() == "" {
		return Target{}, fmt.Errorf("%w: amqp address %q has no host", domain.ErrInvalidPartner, addr)
	}
	q := u.Query()
	t := Target{Scheme: SchemeAMQP, Exchange: q.Get("exchange"), RoutingKey: q.Get("routing_key")}
	if t.RoutingKey == "" {
		return Target{}, fmt.Errorf("%w: amqp address %q needs routing_key", domain.ErrInvalidPartner, addr)
	}
	q.Del("exchange")
	q.Del("routing_key")
	u.RawQuery = q.Encode()
	t.URL = u.String()
	return t, nil
}

// Mux dispatches a send to the Sender registered for the partner's scheme.
type Mux struct {
	mu      sync.RWMutex
	senders map[Scheme]Sender
}

func NewMux() *Mux { return &Mux{senders: map[Scheme]Sender{}} }

func (m *Mux) Handle(s Scheme, sender Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[s] = sender
}

func (m *Mux) Send(ctx context.Context, p domain.Partner, env Envelope) (Ack, error) {
	t, err := ParseAddress(p.Address)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	m.mu.RLock()
	sender, ok := m.senders[t.Scheme]
	m.mu.RUnlock()
	if !ok {
		return Ack{}, fmt.Errorf("%w: no sender for scheme %s", domain.ErrTransport, t.Scheme)
	}
	return sender.Send(ctx, p, env)
}

// Closer is implemented by senders that hold pooled connections.
type Closer interface {
	Close() error
}

// Close closes every registered sender that holds resources.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, s := range m.senders {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
