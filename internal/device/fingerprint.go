// Package device identifies the host that rights are bound to.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/jaypipes/ghw"

	"drmcore/internal/core/domain"
)

// Identifier reports the current device.
type Identifier interface {
	DeviceInfo() (domain.DeviceInfo, error)
}

// Fingerprinter generates device-specific information. The result is
// computed once and cached.
type Fingerprinter struct {
	appID string

	once sync.Once
	info domain.DeviceInfo
	err  error
}

// New creates a new Fingerprinter. appID scopes the machine id so the
// raw id never leaves the host.
func New(appID string) *Fingerprinter {
	return &Fingerprinter{appID: appID}
}

func (f *Fingerprinter) DeviceInfo() (domain.DeviceInfo, error) {
	f.once.Do(func() {
		f.info, f.err = f.collect()
	})
	return f.info, f.err
}

func (f *Fingerprinter) collect() (domain.DeviceInfo, error) {
	machineID, err := machineid.ProtectedID(f.appID)
	if err != nil {
		return domain.DeviceInfo{}, fmt.Errorf("failed to get machine ID: %w", err)
	}

	fingerprints := map[string]string{
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"hostname": getHostname(),
	}
	hashInput := []string{machineID, runtime.GOOS, runtime.GOARCH}

	cpu, err := ghw.CPU()
	if err != nil {
		return domain.DeviceInfo{}, fmt.Errorf("failed to get CPU info: %w", err)
	}
	if len(cpu.Processors) > 0 {
		fingerprints["cpu_model"] = cpu.Processors[0].Model
		fingerprints["cpu_vendor"] = cpu.Processors[0].Vendor
		hashInput = append(hashInput, fmt.Sprintf("%d", cpu.Processors[0].ID))
	}

	memory, err := ghw.Memory()
	if err != nil {
		return domain.DeviceInfo{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	fingerprints["total_memory"] = fmt.Sprintf("%d", memory.TotalPhysicalBytes)
	hashInput = append(hashInput, fingerprints["total_memory"])

	return domain.DeviceInfo{
		DeviceID:     machineID,
		HardwareHash: generateHash(strings.Join(hashInput, "|")),
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		Fingerprint:  fingerprints,
	}, nil
}

// Matches reports whether stored describes the same device as current.
func Matches(current, stored domain.DeviceInfo) bool {
	if stored.HardwareHash == "" {
		return true
	}
	return current.HardwareHash == stored.HardwareHash
}

// Static is an Identifier with fixed output.
type Static domain.DeviceInfo

func (s Static) DeviceInfo() (domain.DeviceInfo, error) {
	return domain.DeviceInfo(s), nil
}

// StaticHash returns a Static identifier whose hash is derived from seed.
func StaticHash(seed string) Static {
	return Static{
		DeviceID:     seed,
		HardwareHash: generateHash(seed),
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func generateHash(input string) string {
	hash := sha256.New()
	hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
