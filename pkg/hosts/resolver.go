package hosts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DefaultResolverTimeout bounds one DNS exchange.
const DefaultResolverTimeout = 5 * time.Second

// ErrNoAddresses is returned when a name has neither A nor AAAA records.
var ErrNoAddresses = errors.New("no addresses found")

// Resolver looks up host addresses on one nameserver.
type Resolver struct {
	server    string
	dnsClient *dns.Client
	logger    *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolverTimeout sets the timeout of one exchange.
func WithResolverTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		if timeout > 0 {
			r.dnsClient.Timeout = timeout
		}
	}
}

// WithTCP makes the resolver query over TCP.
func WithTCP() ResolverOption {
	return func(r *Resolver) {
		r.dnsClient.Net = "tcp"
	}
}

// NewResolver creates a resolver for server ("host" or "host:port", port 53
// by default).
func NewResolver(server string, opts ...ResolverOption) (*Resolver, error) {
	if server == "" {
		return nil, errors.New("nameserver is required")
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	r := &Resolver{
		server: server,
		dnsClient: &dns.Client{
			Net:     "udp",
			Timeout: DefaultResolverTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Server returns the nameserver address.
func (r *Resolver) Server() string {
	return r.server
}

// LookupHost returns the IPv4 addresses of name followed by its IPv6
// addresses. IP literals are returned unchanged.
func (r *Resolver) LookupHost(ctx context.Context, name string) ([]string, error) {
	if ip := net.ParseIP(name); ip != nil {
		return []string{name}, nil
	}

	var addrs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(ctx, name, qtype)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, found...)
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, name)
	}
	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	resp, rtt, err := r.exchangeWithContext(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("querying %s %s: %w", dns.TypeToString[qtype], name, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("querying %s %s: server returned %s",
			dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
	}

	var addrs []string
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			addrs = append(addrs, v.A.String())
		case *dns.AAAA:
			addrs = append(addrs, v.AAAA.String())
		}
	}

	r.logger.Debug("DNS lookup finished",
		slog.String("name", name),
		slog.String("type", dns.TypeToString[qtype]),
		slog.Int("answers", len(addrs)),
		slog.Duration("rtt", rtt),
	)

	return addrs, nil
}

// exchangeWithContext runs the exchange in a goroutine so a cancelled
// context returns at once.
func (r *Resolver) exchangeWithContext(ctx context.Context, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	type result struct {
		resp *dns.Msg
		rtt  time.Duration
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		resp, rtt, err := r.dnsClient.Exchange(msg, r.server)
		ch <- result{resp, rtt, err}
	}()

	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case res := <-ch:
		if res.err == nil && res.resp == nil {
			res.err = errors.New("no response from server")
		}
		return res.resp, res.rtt, res.err
	}
}
