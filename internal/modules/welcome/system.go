package welcome

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// System is where the probes look at the machine. Tests point the roots
// at a temporary directory. Without ProcRoot the memory is asked from the
// kernel directly.
type System struct {
	ProcRoot string
	SysRoot  string
	Geteuid  func() int
	Client   *http.Client
}

func DefaultSystem() System {
	return System{
		SysRoot: "/sys",
		Geteuid: os.Geteuid,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

var errNoValue = errors.New("value not found")

// TotalMemory returns the physical memory in bytes.
func (s System) TotalMemory() (uint64, error) {
	if s.ProcRoot == "" {
		return totalMemory()
	}
	b, err := os.ReadFile(filepath.Join(s.ProcRoot, "meminfo"))
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || key != "MemTotal" {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			break
		}
		kib, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing MemTotal: %w", err)
		}
		return kib * 1024, nil
	}
	return 0, fmt.Errorf("MemTotal: %w", errNoValue)
}

// LargestDisk returns the size in bytes of the largest block device which
// may be installed to. Loop, ram and optical devices are ignored.
func (s System) LargestDisk() (uint64, error) {
	dir := filepath.Join(s.SysRoot, "block")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var largest uint64
	for _, e := range entries {
		name := e.Name()
		if ignoredDevice(name) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name, "size"))
		if err != nil {
			continue
		}
		sectors, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			continue
		}
		// sysfs sizes are always in 512 byte sectors
		largest = max(largest, sectors*512)
	}
	if largest == 0 {
		return 0, fmt.Errorf("block device: %w", errNoValue)
	}
	return largest, nil
}

func ignoredDevice(name string) bool {
	for _, prefix := range []string{"loop", "ram", "zram", "sr", "fd"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Reachable does a GET on url and reports whether any answer came back.
func (s System) Reachable(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s answered %s", url, resp.Status)
	}
	return nil
}
