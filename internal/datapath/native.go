package datapath

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/saphalpdyl/aether/internal/engine"
)

// nativeBackend drives the kernel directly: nftables rules/sets over
// netlink via google/nftables, HTB qdiscs/classes/filters over netlink
// via vishvananda/netlink. One backend instance implements both
// engine.RuleEngine and engine.Shaper, sharing setup state.
type nativeBackend struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	table *nftables.Table
	chain *nftables.Chain
	set   *nftables.Set
}

var _ engine.RuleEngine = (*nativeBackend)(nil)
var _ engine.Shaper = (*nativeBackend)(nil)

func newNativeBackend(cfg Config, logger *slog.Logger) (*nativeBackend, error) {
	b := &nativeBackend{cfg: cfg, logger: logger}
	if err := b.setup(); err != nil {
		return nil, fmt.Errorf("datapath native setup: %w", err)
	}
	return b, nil
}

// setup idempotently creates the inet table, the "sess" counter chain,
// and the authed_ips set the Allow/Revoke methods manage membership of.
func (b *nativeBackend) setup() error {
	conn, err := nftables.New()
	if err != nil {
		return err
	}

	table := conn.AddTable(&nftables.Table{Name: b.cfg.TableName, Family: nftables.TableFamilyINet})
	chain := conn.AddChain(&nftables.Chain{
		Name:  nftChain,
		Table: table,
	})
	set := &nftables.Set{
		Table:   table,
		Name:    "authed_ips",
		KeyType: nftables.TypeIPAddr,
	}
	if err := conn.AddSet(set, nil); err != nil {
		return fmt.Errorf("add set: %w", err)
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush setup: %w", err)
	}

	b.table = table
	b.chain = chain
	b.set = set
	return nil
}

// counterRule builds the expr chain for "iif/oif <iface> ip saddr/daddr
// <ip> counter", matching the lab harness's nft rule text one-for-one.
func counterRule(table *nftables.Table, chain *nftables.Chain, iface string, ip netip.Addr, matchSrc bool, comment string) *nftables.Rule {
	metaKey := expr.MetaKeyIIFNAME
	if !matchSrc {
		metaKey = expr.MetaKeyOIFNAME
	}

	ifnameData := make([]byte, 16)
	copy(ifnameData, iface+"\x00")

	payloadOffset := uint32(12) // IPv4 saddr offset within the header
	if !matchSrc {
		payloadOffset = 16 // daddr
	}

	return &nftables.Rule{
		Table:    table,
		Chain:    chain,
		UserData: []byte(comment),
		Exprs: []expr.Any{
			&expr.Meta{Key: metaKey, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameData},
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       payloadOffset,
				Len:          4,
			},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip.AsSlice()},
			&expr.Counter{},
		},
	}
}

// InstallSubscriberRules adds the upload/download counter rules and
// resolves their kernel-assigned handles by re-listing the chain, the
// same comment-match approach the shell backend uses against nft's JSON
// output.
func (b *nativeBackend) InstallSubscriberRules(ctx context.Context, ip netip.Addr, mac, iface string) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := nftables.New()
	if err != nil {
		return "", "", err
	}

	macL := strings.ToLower(mac)
	upComment := ruleComment("up", macL, ip)
	downComment := ruleComment("down", macL, ip)

	conn.AddRule(counterRule(b.table, b.chain, iface, ip, true, upComment))
	conn.AddRule(counterRule(b.table, b.chain, iface, ip, false, downComment))

	if err := conn.Flush(); err != nil {
		return "", "", fmt.Errorf("install subscriber rules: %w", err)
	}

	rules, err := conn.GetRules(b.table, b.chain)
	if err != nil {
		return "", "", fmt.Errorf("list rules: %w", err)
	}

	upHandle, ok := findRuleHandle(rules, upComment)
	if !ok {
		return "", "", fmt.Errorf("upload rule handle not found for %s", ip)
	}
	downHandle, ok := findRuleHandle(rules, downComment)
	if !ok {
		return "", "", fmt.Errorf("download rule handle not found for %s", ip)
	}

	return strconv.FormatUint(upHandle, 10), strconv.FormatUint(downHandle, 10), nil
}

func findRuleHandle(rules []*nftables.Rule, comment string) (uint64, bool) {
	for _, r := range rules {
		if string(r.UserData) == comment {
			return r.Handle, true
		}
	}
	return 0, false
}

func (b *nativeBackend) DeleteRule(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("delete rule: bad handle %q: %w", handle, err)
	}

	conn, err := nftables.New()
	if err != nil {
		return err
	}
	conn.DelRule(&nftables.Rule{Table: b.table, Chain: b.chain, Handle: h})
	return conn.Flush()
}

func (b *nativeBackend) SnapshotCounters(ctx context.Context, handles []string) (map[string]engine.Counters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := nftables.New()
	if err != nil {
		return nil, err
	}
	rules, err := conn.GetRules(b.table, b.chain)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	byHandle := make(map[uint64]engine.Counters, len(rules))
	for _, r := range rules {
		for _, e := range r.Exprs {
			if c, ok := e.(*expr.Counter); ok {
				byHandle[r.Handle] = engine.Counters{Bytes: c.Bytes, Packets: c.Packets}
			}
		}
	}

	result := make(map[string]engine.Counters, len(handles))
	for _, h := range handles {
		n, err := strconv.ParseUint(h, 10, 64)
		if err != nil {
			continue
		}
		result[h] = byHandle[n]
	}
	return result, nil
}

func (b *nativeBackend) Allow(ctx context.Context, ip netip.Addr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := nftables.New()
	if err != nil {
		return err
	}
	if err := conn.SetAddElements(b.set, []nftables.SetElement{{Key: ip.AsSlice()}}); err != nil {
		return err
	}
	return conn.Flush()
}

func (b *nativeBackend) Revoke(ctx context.Context, ip netip.Addr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := nftables.New()
	if err != nil {
		return err
	}
	if err := conn.SetDeleteElements(b.set, []nftables.SetElement{{Key: ip.AsSlice()}}); err != nil {
		return err
	}
	return conn.Flush()
}

// AddShaping replaces the HTB class/qdisc/filter triple for ip on both
// the downlink (download) and uplink (upload) interfaces, mirroring the
// lab harness's `tc class/qdisc/filter replace` sequence over netlink
// instead of a tc(8) subprocess.
func (b *nativeBackend) AddShaping(ctx context.Context, ip netip.Addr, uploadKbit, downloadKbit, uploadBurstKbit, downloadBurstKbit uint32) (bool, error) {
	handle, err := classHandle(ip)
	if err != nil {
		return false, err
	}

	if err := b.replaceHTB(b.cfg.DownlinkIface, handle, downloadKbit, max32(1, downloadBurstKbit), ip, true); err != nil {
		return false, fmt.Errorf("download shaping: %w", err)
	}
	if err := b.replaceHTB(b.cfg.UplinkIface, handle, uploadKbit, max32(1, uploadBurstKbit), ip, false); err != nil {
		return false, fmt.Errorf("upload shaping: %w", err)
	}
	return true, nil
}

func (b *nativeBackend) replaceHTB(iface string, handle int, rateKbit, burstKbit uint32, ip netip.Addr, matchDst bool) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link %s: %w", iface, err)
	}
	idx := link.Attrs().Index
	const major = uint16(1)
	classH := netlink.MakeHandle(major, uint16(handle))

	qdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: idx,
		Handle:    netlink.MakeHandle(major, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := netlink.QdiscReplace(qdisc); err != nil {
		return fmt.Errorf("qdisc replace: %w", err)
	}

	rateBps := uint64(rateKbit) * 1000 / 8
	burstBytes := uint32(burstKbit) * 1000 / 8

	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: idx,
		Parent:    netlink.MakeHandle(major, 1),
		Handle:    classH,
	}, netlink.HtbClassAttrs{
		Rate:    rateBps,
		Ceil:    rateBps,
		Buffer:  uint32(burstBytes),
		Cbuffer: uint32(burstBytes),
	})
	if err := netlink.ClassReplace(class); err != nil {
		return fmt.Errorf("class replace: %w", err)
	}

	sel := &netlink.TcU32Sel{
		Keys: []netlink.TcU32Key{{
			Mask: 0xffffffff,
			Val:  ipv4ToU32(ip),
			Off:  ipv4MatchOffset(matchDst),
		}},
	}
	filter := &netlink.U32{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: idx,
			Parent:    netlink.MakeHandle(major, 0),
			Priority:  uint16(handle),
			Protocol:  unix.ETH_P_IP,
		},
		Sel:     sel,
		ClassId: classH,
	}
	if err := netlink.FilterReplace(filter); err != nil {
		return fmt.Errorf("filter replace: %w", err)
	}
	return nil
}

func ipv4MatchOffset(matchDst bool) int32 {
	if matchDst {
		return 16
	}
	return 12
}

func ipv4ToU32(ip netip.Addr) uint32 {
	b := ip.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (b *nativeBackend) RemoveShaping(ctx context.Context, ip netip.Addr) (bool, error) {
	handle, err := classHandle(ip)
	if err != nil {
		return false, err
	}
	const major = uint16(1)
	classH := netlink.MakeHandle(major, uint16(handle))

	for _, iface := range []string{b.cfg.DownlinkIface, b.cfg.UplinkIface} {
		link, err := netlink.LinkByName(iface)
		if err != nil {
			continue
		}
		idx := link.Attrs().Index

		filters, _ := netlink.FilterList(link, netlink.MakeHandle(major, 0))
		for _, f := range filters {
			if f.Attrs().Priority == uint16(handle) {
				_ = netlink.FilterDel(f)
			}
		}
		_ = netlink.ClassDel(netlink.NewHtbClass(netlink.ClassAttrs{LinkIndex: idx, Parent: netlink.MakeHandle(major, 1), Handle: classH}, netlink.HtbClassAttrs{}))
	}
	return true, nil
}
