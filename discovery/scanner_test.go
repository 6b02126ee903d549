package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestFindServersFiltersSelfAndSortsByName(t *testing.T) {
	cfg := Config{
		InstanceID:  "self",
		ScanTimeout: 40 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			entries <- testServiceEntry("self", "Self", 24801, "10.0.0.1")
			entries <- testServiceEntry("server-b", "Office", 24801, "10.0.0.3")
			entries <- testServiceEntry("server-a", "Desk", 24802, "10.0.0.2")
			entries <- testServiceEntry("server-a", "Desk", 24802, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	servers, err := FindServers(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FindServers failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %+v", servers)
	}
	if servers[0].Name != "Desk" || servers[1].Name != "Office" {
		t.Fatalf("expected servers sorted by name, got %q then %q", servers[0].Name, servers[1].Name)
	}
	if servers[0].Fingerprint != "fingerprint-server-a" {
		t.Fatalf("unexpected fingerprint: %q", servers[0].Fingerprint)
	}
	if got := servers[0].Address(); got != "10.0.0.2:24802" {
		t.Fatalf("unexpected address: %q", got)
	}
}

func TestFindServersIgnoresEntriesWithoutInstanceID(t *testing.T) {
	cfg := Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entry := testServiceEntry("", "Anonymous", 24801, "10.0.0.9")
			entries <- entry
			<-ctx.Done()
			return ctx.Err()
		},
	}

	servers, err := FindServers(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FindServers failed: %v", err)
	}
	if len(servers) != 0 {
		t.Fatalf("expected no servers, got %+v", servers)
	}
}

func TestFindServersReportsBrowseFailure(t *testing.T) {
	browseErr := errors.New("no multicast interface")
	cfg := Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}

	if _, err := FindServers(context.Background(), cfg); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestFindServersStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		ScanTimeout: time.Hour,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			cancel()
			<-ctx.Done()
			return nil
		},
	}

	if _, err := FindServers(ctx, cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testServiceEntry(instanceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	text := []string{"version=1", "fingerprint=fingerprint-" + instanceID}
	if instanceID != "" {
		text = append(text, "instance_id="+instanceID)
	}
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text:     text,
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}
