// Package sysinfo collects the local facts an agent reports.
package sysinfo

import (
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/crypto/blake2b"
)

// SystemInfo holds all collected system information.
type SystemInfo struct {
	MACAddress string
	IPAddress  string
	Hostname   string
	HostID     string

	OSFamily    string
	OSName      string
	OSVersion   string
	Arch        string
	Kernel      string
	Virtualized bool

	CPUModel  string
	CPUCores  int
	MemoryGB  float64
	DiskCount int
}

// Collect gathers local system information. When networkRange is a CIDR, the
// reported address is the first one inside it.
func Collect(networkRange string) (*SystemInfo, error) {
	var ipNet *net.IPNet
	if networkRange != "" {
		_, n, err := net.ParseCIDR(networkRange)
		if err != nil {
			return nil, fmt.Errorf("parsing network range %q: %w", networkRange, err)
		}
		ipNet = n
	}

	macAddr, ipAddr, err := getPrimaryNetworkInfo(ipNet)
	if err != nil {
		return nil, fmt.Errorf("reading network interfaces: %w", err)
	}

	hostname, _ := os.Hostname()

	info := &SystemInfo{
		MACAddress: macAddr,
		IPAddress:  ipAddr,
		Hostname:   hostname,
		OSFamily:   runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUCores:   runtime.NumCPU(),
	}
	fillOSInfo(info)

	// CPU model
	cpuInfo, err := cpu.Info()
	if err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	// Memory
	memInfo, err := mem.VirtualMemory()
	if err == nil {
		info.MemoryGB = math.Round(float64(memInfo.Total)/(1024*1024*1024)*100) / 100
	}

	// Disk count
	partitions, err := disk.Partitions(false)
	if err == nil {
		info.DiskCount = len(partitions)
	}

	return info, nil
}

// MachineID derives a stable identifier from the platform host id and the
// primary MAC address, falling back to the hostname when both are missing.
func (s *SystemInfo) MachineID() string {
	seed := s.HostID + "|" + s.MACAddress
	if s.HostID == "" && s.MACAddress == "" {
		seed = "hostname|" + s.Hostname
	}
	sum := blake2b.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:16])
}

// getPrimaryNetworkInfo returns the MAC and address of the first up,
// non-loopback interface, restricted to ipNet when it is set.
func getPrimaryNetworkInfo(ipNet *net.IPNet) (string, string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", "", err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if ipAddr := pickAddress(addrs, ipNet); ipAddr != "" {
			return iface.HardwareAddr.String(), ipAddr, nil
		}
	}

	return "", "", nil
}

// pickAddress prefers IPv4, then non-link-local IPv6.
func pickAddress(addrs []net.Addr, within *net.IPNet) string {
	var v6 string
	for _, addr := range addrs {
		n, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if within != nil && !within.Contains(n.IP) {
			continue
		}
		if n.IP.To4() != nil {
			return n.IP.String()
		}
		if v6 == "" && !n.IP.IsLinkLocalUnicast() {
			v6 = n.IP.String()
		}
	}
	return v6
}

// fillOSInfo copies the OS facts from gopsutil into info.
func fillOSInfo(info *SystemInfo) {
	hostInfo, err := host.Info()
	if err == nil {
		if hostInfo.OS != "" {
			info.OSFamily = hostInfo.OS
		}
		info.OSName = hostInfo.Platform
		info.OSVersion = hostInfo.PlatformVersion
		info.Kernel = hostInfo.KernelVersion
		if hostInfo.KernelArch != "" {
			info.Arch = hostInfo.KernelArch
		}
		info.Virtualized = hostInfo.VirtualizationRole == "guest"
		info.HostID = hostInfo.HostID
	}

	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/etc/os-release"); err == nil {
			if prettyName := parsePrettyName(string(data)); prettyName != "" {
				info.OSName = prettyName
			}
		}
	}
}

// parsePrettyName returns the PRETTY_NAME value of an os-release file.
func parsePrettyName(data string) string {
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			val := strings.TrimPrefix(line, "PRETTY_NAME=")
			return strings.Trim(strings.TrimSpace(val), `"'`)
		}
	}
	return ""
}
