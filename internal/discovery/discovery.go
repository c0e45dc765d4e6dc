// Package discovery finds the robot's WebSocket endpoint on the local
// network over mDNS and advertises the simulator the same way.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service the robot advertises.
const ServiceType = "_trashbot._tcp"

const defaultTimeout = 3 * time.Second

// ErrNotFound is returned when no robot answered before the timeout.
var ErrNotFound = errors.New("discovery: no robot found")

// Endpoint is a robot found on the network.
type Endpoint struct {
	Instance string
	Host     string
	Address  string
	Port     int
	TXT      []string
	URL      string
}

// Lookup returns the first robot that answers a query for ServiceType.
// A zero timeout uses three seconds.
func Lookup(ctx context.Context, timeout time.Duration) (*Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(ServiceType)
	params.Domain = "local"
	params.Timeout = timeout
	params.Entries = entriesCh
	params.DisableIPv6 = true

	done := make(chan error, 1)
	go func() {
		done <- mdns.Query(params)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case entry := <-entriesCh:
			ep, err := endpointFromEntry(entry)
			if err != nil {
				slog.Debug("[DISCOVERY] skipping entry", "name", entry.Name, "error", err)
				continue
			}
			slog.Info("[DISCOVERY] found robot", "instance", ep.Instance, "url", ep.URL)
			return ep, nil
		case err := <-done:
			if err != nil {
				return nil, fmt.Errorf("discovery: query %s: %w", ServiceType, err)
			}
			done = nil
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %v", ErrNotFound, ServiceType, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// endpointFromEntry builds the WebSocket URL for a service entry. A
// "path=" TXT record sets the URL path and "scheme=wss" selects TLS.
func endpointFromEntry(entry *mdns.ServiceEntry) (*Endpoint, error) {
	if entry == nil {
		return nil, errors.New("discovery: nil entry")
	}

	var ip net.IP
	switch {
	case entry.AddrV4 != nil:
		ip = entry.AddrV4
	case entry.AddrV6 != nil:
		ip = entry.AddrV6
	default:
		return nil, errors.New("discovery: no valid address for service")
	}
	if entry.Port <= 0 {
		return nil, fmt.Errorf("discovery: invalid port %d", entry.Port)
	}

	scheme, path := "ws", "/"
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "path":
			if !strings.HasPrefix(value, "/") {
				value = "/" + value
			}
			path = value
		case "scheme":
			if value == "wss" {
				scheme = "wss"
			}
		}
	}

	address := ip.String()
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(address, fmt.Sprint(entry.Port)),
		Path:   path,
	}

	return &Endpoint{
		Instance: instanceName(entry.Name),
		Host:     entry.Host,
		Address:  address,
		Port:     entry.Port,
		TXT:      entry.InfoFields,
		URL:      u.String(),
	}, nil
}

// instanceName strips the service suffix from a full entry name.
func instanceName(full string) string {
	name, _, found := strings.Cut(full, "."+ServiceType)
	if !found {
		return strings.TrimSuffix(full, ".")
	}
	return strings.ReplaceAll(name, `\ `, " ")
}

// Advertiser answers mDNS queries for a robot endpoint until shut down.
type Advertiser struct {
	server *mdns.Server
}

// Advertise publishes instance on port. ips may be nil to use the
// addresses of the local hostname.
func Advertise(instance string, port int, ips []net.IP, txt []string) (*Advertiser, error) {
	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, ips, txt)
	if err != nil {
		return nil, fmt.Errorf("discovery: building service record: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: starting responder: %w", err)
	}

	slog.Info("[DISCOVERY] advertising", "instance", instance, "service", ServiceType, "port", port)
	return &Advertiser{server: server}, nil
}

// Shutdown stops answering queries.
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}
