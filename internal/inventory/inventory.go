// Package inventory collects the host facts an agent reports in its
// periodic inventory frame (spec §3, §4.4).
package inventory

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fleethub/fleethub/internal/protocol"
)

// Extension collects an optional, opaque extensions["..."] subsource
// (spec §3's single forward-compatibility escape hatch — Docker is the
// only one wired here, per spec's non-core scoping).
type Extension interface {
	Name() string
	Collect(ctx context.Context) (any, error)
}

// Collector gathers one inventory snapshot for agentID.
type Collector struct {
	agentID    string
	extensions []Extension
}

// New constructs a Collector, optionally enriched with extensions (e.g.
// the Docker subsource) that are skipped silently when unavailable.
func New(agentID string, extensions ...Extension) *Collector {
	return &Collector{agentID: agentID, extensions: extensions}
}

// Collect gathers a full InventoryPayload. Per-field failures (a single
// gopsutil call erroring) degrade that field to its zero value rather
// than failing the whole snapshot, since a partial inventory is still
// useful and the agent should keep its reporting cadence.
func (c *Collector) Collect(ctx context.Context) (protocol.InventoryPayload, error) {
	payload := protocol.InventoryPayload{
		AgentID:      c.agentID,
		CollectedAt:  time.Now().Unix(),
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
	}

	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		payload.Hostname = hostInfo.Hostname
		payload.Platform = hostInfo.Platform
	} else {
		if name, herr := net.LookupCNAME("localhost"); herr == nil {
			payload.Hostname = name
		}
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		payload.CPUCount = counts
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		payload.CPUModel = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		payload.MemoryTotal = vm.Total
		payload.MemoryUsed = vm.Used
		payload.MemoryFree = vm.Free
	}

	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		payload.DiskTotal = usage.Total
		payload.DiskUsed = usage.Used
		payload.DiskFree = usage.Free
	}

	payload.IPList, payload.MACList = localInterfaces()

	if len(c.extensions) > 0 {
		payload.Extensions = make(map[string]any, len(c.extensions))
		for _, ext := range c.extensions {
			data, err := ext.Collect(ctx)
			if err != nil {
				continue
			}
			payload.Extensions[ext.Name()] = data
		}
	}

	return payload, nil
}

func localInterfaces() (ips, macs []string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.HardwareAddr.String() != "" {
			macs = append(macs, iface.HardwareAddr.String())
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
				ips = append(ips, ipNet.IP.String())
			}
		}
	}
	return ips, macs
}

// ErrDockerUnavailable is returned by the Docker extension when the
// daemon socket cannot be reached; the caller treats this as "skip",
// not as a collection failure.
var ErrDockerUnavailable = fmt.Errorf("inventory: docker socket unavailable")
