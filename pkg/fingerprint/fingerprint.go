// Package fingerprint derives a stable machine fingerprint for agent
// auto-registration. The fingerprint is the first 32 hex characters of a
// SHA-256 over a canonical join of host identity fields, so the same machine
// re-registers to the same agent identity.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Machine describes the host fields folded into the fingerprint.
type Machine struct {
	Hostname    string
	Platform    string
	Arch        string
	CPUModel    string
	MemoryBytes uint64
}

// Collect gathers machine identity from the running host. CPU model and
// total memory are read from the platform where available and left empty
// otherwise; an empty field still hashes deterministically.
func Collect() Machine {
	hostname, _ := os.Hostname()
	return Machine{
		Hostname:    hostname,
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUModel:    readCPUModel(),
		MemoryBytes: readTotalMemory(),
	}
}

// Sum returns the first 32 hex characters of the SHA-256 over the canonical
// join of the machine fields.
func (m Machine) Sum() string {
	canonical := strings.Join([]string{
		m.Hostname,
		m.Platform,
		m.Arch,
		m.CPUModel,
		fmt.Sprintf("%d", m.MemoryBytes),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:32]
}

// readCPUModel returns the first CPU model string from /proc/cpuinfo on
// Linux, empty elsewhere.
func readCPUModel() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			if _, after, ok := strings.Cut(line, ":"); ok {
				return strings.TrimSpace(after)
			}
		}
	}
	return ""
}

// readTotalMemory returns MemTotal from /proc/meminfo in bytes on Linux,
// zero elsewhere.
func readTotalMemory() uint64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				var kb uint64
				fmt.Sscanf(fields[1], "%d", &kb)
				return kb * 1024
			}
		}
	}
	return 0
}
