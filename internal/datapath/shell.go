package datapath

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	"github.com/saphalpdyl/aether/internal/engine"
)

// shellBackend drives nft(8) and tc(8) as subprocesses, mirroring the
// lab harness's command sequences exactly: a counter rule per
// subscriber/direction in an inet table's "sess" chain, found afterward by
// comment and tracked by nft's rule handle; HTB classes keyed by
// classHandle on the downlink/uplink interfaces for shaping.
type shellBackend struct {
	cfg    Config
	logger *slog.Logger
}

func newShellBackend(cfg Config, logger *slog.Logger) *shellBackend {
	return &shellBackend{cfg: cfg, logger: logger}
}

var _ engine.RuleEngine = (*shellBackend)(nil)
var _ engine.Shaper = (*shellBackend)(nil)

const nftChain = "sess"

func (b *shellBackend) run(ctx context.Context, cmd string) (string, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
	b.logger.Debug("datapath shell command", slog.String("cmd", cmd), slog.String("output", string(out)))
	if err != nil {
		return string(out), fmt.Errorf("run %q: %w", cmd, err)
	}
	return string(out), nil
}

// nftListResult is the subset of `nft -j list chain` output this backend
// cares about: each rule's table/chain/handle/comment and its counter
// expression, if present.
type nftListResult struct {
	Nftables []struct {
		Rule *struct {
			Table   string `json:"table"`
			Chain   string `json:"chain"`
			Handle  int    `json:"handle"`
			Comment string `json:"comment"`
			Expr    []struct {
				Counter *struct {
					Bytes   uint64 `json:"bytes"`
					Packets uint64 `json:"packets"`
				} `json:"counter"`
			} `json:"expr"`
		} `json:"rule"`
	} `json:"nftables"`
}

func (b *shellBackend) listChainRules(ctx context.Context) (nftListResult, error) {
	var result nftListResult
	out, err := b.run(ctx, fmt.Sprintf("nft -j list chain inet %s %s", b.cfg.TableName, nftChain))
	if err != nil {
		return result, err
	}
	if strings.TrimSpace(out) == "" {
		return result, nil
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return result, fmt.Errorf("parse nft json: %w", err)
	}
	return result, nil
}

func (b *shellBackend) findHandle(list nftListResult, comment string) (int, bool) {
	for _, item := range list.Nftables {
		if item.Rule == nil {
			continue
		}
		if item.Rule.Table != b.cfg.TableName || item.Rule.Chain != nftChain {
			continue
		}
		if item.Rule.Comment == comment {
			return item.Rule.Handle, true
		}
	}
	return 0, false
}

// InstallSubscriberRules adds the upload (iif + ip saddr) and download
// (oif + ip daddr) counter rules for a newly authorized subscriber and
// resolves both rules' nft handles by re-listing the chain and matching
// on the comment each rule was tagged with.
func (b *shellBackend) InstallSubscriberRules(ctx context.Context, ip netip.Addr, mac, iface string) (string, string, error) {
	macL := strings.ToLower(mac)
	upComment := ruleComment("up", macL, ip)
	downComment := ruleComment("down", macL, ip)

	if _, err := b.run(ctx, fmt.Sprintf(
		`nft 'add rule inet %s %s iif "%s" ip saddr %s counter comment "%s"'`,
		b.cfg.TableName, nftChain, iface, ip, upComment)); err != nil {
		return "", "", err
	}
	if _, err := b.run(ctx, fmt.Sprintf(
		`nft 'add rule inet %s %s oif "%s" ip daddr %s counter comment "%s"'`,
		b.cfg.TableName, nftChain, iface, ip, downComment)); err != nil {
		return "", "", err
	}

	list, err := b.listChainRules(ctx)
	if err != nil {
		return "", "", err
	}
	upHandle, ok := b.findHandle(list, upComment)
	if !ok {
		return "", "", fmt.Errorf("install subscriber rules: upload rule handle not found for %s", ip)
	}
	downHandle, ok := b.findHandle(list, downComment)
	if !ok {
		return "", "", fmt.Errorf("install subscriber rules: download rule handle not found for %s", ip)
	}

	return strconv.Itoa(upHandle), strconv.Itoa(downHandle), nil
}

func (b *shellBackend) DeleteRule(ctx context.Context, handle string) error {
	_, err := b.run(ctx, fmt.Sprintf("nft delete rule inet %s %s handle %s 2>/dev/null || true", b.cfg.TableName, nftChain, handle))
	return err
}

func (b *shellBackend) SnapshotCounters(ctx context.Context, handles []string) (map[string]engine.Counters, error) {
	list, err := b.listChainRules(ctx)
	if err != nil {
		return nil, err
	}
	byHandle := make(map[int]engine.Counters)
	for _, item := range list.Nftables {
		if item.Rule == nil {
			continue
		}
		for _, e := range item.Rule.Expr {
			if e.Counter != nil {
				byHandle[item.Rule.Handle] = engine.Counters{Bytes: e.Counter.Bytes, Packets: e.Counter.Packets}
			}
		}
	}

	result := make(map[string]engine.Counters, len(handles))
	for _, h := range handles {
		n, err := strconv.Atoi(h)
		if err != nil {
			continue
		}
		result[h] = byHandle[n]
	}
	return result, nil
}

// Allow adds a subscriber IP to the authed_ips set, gating it past the
// table's default-drop policy before the counter rules above see traffic.
func (b *shellBackend) Allow(ctx context.Context, ip netip.Addr) error {
	_, err := b.run(ctx, fmt.Sprintf("nft add element inet %s authed_ips { %s }", b.cfg.TableName, ip))
	return err
}

func (b *shellBackend) Revoke(ctx context.Context, ip netip.Addr) error {
	_, err := b.run(ctx, fmt.Sprintf("nft delete element inet %s authed_ips { %s } 2>/dev/null || true", b.cfg.TableName, ip))
	return err
}

// AddShaping installs (or replaces) HTB class+qdisc+filter triples on both
// the downlink interface (download/egress-to-subscriber) and the uplink
// interface (upload/egress-to-network), keyed by classHandle(ip).
func (b *shellBackend) AddShaping(ctx context.Context, ip netip.Addr, uploadKbit, downloadKbit, uploadBurstKbit, downloadBurstKbit uint32) (bool, error) {
	handle, err := classHandle(ip)
	if err != nil {
		return false, err
	}
	downBurst := max32(1, downloadBurstKbit)
	upBurst := max32(1, uploadBurstKbit)

	cmds := []string{
		fmt.Sprintf("tc class replace dev %s parent 1:1 classid 1:%d htb rate %dkbit ceil %dkbit burst %dkbit cburst %dkbit",
			b.cfg.DownlinkIface, handle, downloadKbit, downloadKbit, downBurst, downBurst),
		fmt.Sprintf("tc qdisc replace dev %s parent 1:%d handle %d: sfq perturb 10", b.cfg.DownlinkIface, handle, handle),
		fmt.Sprintf("tc filter replace dev %s parent 1: protocol ip pref %d u32 match ip dst %s/32 flowid 1:%d",
			b.cfg.DownlinkIface, handle, ip, handle),
		fmt.Sprintf("tc class replace dev %s parent 1:1 classid 1:%d htb rate %dkbit ceil %dkbit burst %dkbit cburst %dkbit",
			b.cfg.UplinkIface, handle, uploadKbit, uploadKbit, upBurst, upBurst),
		fmt.Sprintf("tc qdisc replace dev %s parent 1:%d handle %d: sfq perturb 10", b.cfg.UplinkIface, handle, handle),
		fmt.Sprintf("tc filter replace dev %s parent 1: protocol ip pref %d u32 match ip src %s/32 flowid 1:%d",
			b.cfg.UplinkIface, handle, ip, handle),
	}
	for _, cmd := range cmds {
		if _, err := b.run(ctx, cmd); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (b *shellBackend) RemoveShaping(ctx context.Context, ip netip.Addr) (bool, error) {
	handle, err := classHandle(ip)
	if err != nil {
		return false, err
	}

	cmds := []string{
		fmt.Sprintf("tc filter del dev %s parent 1: protocol ip pref %d || true", b.cfg.DownlinkIface, handle),
		fmt.Sprintf("tc filter del dev %s parent 1: protocol ip pref %d || true", b.cfg.UplinkIface, handle),
		fmt.Sprintf("tc qdisc del dev %s parent 1:%d handle %d: || true", b.cfg.DownlinkIface, handle, handle),
		fmt.Sprintf("tc qdisc del dev %s parent 1:%d handle %d: || true", b.cfg.UplinkIface, handle, handle),
		fmt.Sprintf("tc class del dev %s classid 1:%d || true", b.cfg.DownlinkIface, handle),
		fmt.Sprintf("tc class del dev %s classid 1:%d || true", b.cfg.UplinkIface, handle),
	}
	for _, cmd := range cmds {
		if _, err := b.run(ctx, cmd); err != nil {
			return false, err
		}
	}
	return true, nil
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
