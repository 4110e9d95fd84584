// Package datapath implements the counter/ACL rule engine and HTB traffic
// shaper the session engine drives through engine.RuleEngine and
// engine.Shaper. Two backends are offered, selected by Config.Backend:
// "native" talks to the kernel directly over netlink (google/nftables,
// vishvananda/netlink), "shell" shells out to nft/tc the same way the
// lab harness this BNG is modeled on does.
package datapath

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/saphalpdyl/aether/internal/engine"
)

// Config configures either backend.
type Config struct {
	Backend       string // "native" or "shell"
	TableName     string // nftables table holding subscriber counter rules
	DownlinkIface string // subscriber-facing interface (download shaping, download counters)
	UplinkIface   string // network-facing interface (upload shaping, upload counters)
}

// New builds the RuleEngine and Shaper for the configured backend. Both
// values come from the same backend instance since native mode shares a
// single netlink/nftables connection between rule and shaping operations.
func New(cfg Config, logger *slog.Logger) (engine.RuleEngine, engine.Shaper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "native":
		b, err := newNativeBackend(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case "shell":
		b := newShellBackend(cfg, logger)
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("datapath: unknown backend %q", cfg.Backend)
	}
}

// classHandle derives the tc/nft handle a subscriber IP is keyed under:
// handle = c*256 + d for an a.b.c.d IPv4 address. Every handle in the
// third+fourth octet space is unique per /16, which is the subscriber
// pool size this scheme was designed around.
func classHandle(ip netip.Addr) (int, error) {
	if !ip.Is4() {
		return 0, fmt.Errorf("classHandle: %s is not an IPv4 address", ip)
	}
	b := ip.As4()
	return int(b[2])*256 + int(b[3]), nil
}

func ruleComment(dir, mac string, ip netip.Addr) string {
	return fmt.Sprintf("sub;mac=%s;dir=%s;ip=%s", mac, dir, ip)
}
