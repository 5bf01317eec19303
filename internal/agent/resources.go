package agent

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Monitor tracks host-level resource usage. The poll runner consults it
// before acquiring new work; a loaded host stops asking for tasks even
// when process slots are free.
type Monitor struct {
	cfg    *Config
	logger zerolog.Logger
	mu     sync.RWMutex

	cpuPercent  float64
	memoryBytes int64
	memoryTotal int64
	diskBytes   int64
	diskTotal   int64
	lastUpdate  time.Time

	prevIdleTime  uint64
	prevTotalTime uint64
}

// HostUsage is a point-in-time host resource snapshot.
type HostUsage struct {
	CPUPercent       float64
	MemoryUsedBytes  int64
	MemoryTotalBytes int64
	DiskUsedBytes    int64
	DiskTotalBytes   int64
}

// NewMonitor creates a resource monitor and takes an initial sample.
func NewMonitor(cfg *Config, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		logger: logger.With().Str("component", "monitor").Logger(),
	}
	m.Update()
	return m
}

// Update refreshes the resource usage metrics.
func (m *Monitor) Update() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateCPU()
	m.updateMemory()
	m.updateDisk()
	m.lastUpdate = time.Now()
}

// Usage returns the current host resource snapshot.
func (m *Monitor) Usage() HostUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return HostUsage{
		CPUPercent:       m.cpuPercent,
		MemoryUsedBytes:  m.memoryBytes,
		MemoryTotalBytes: m.memoryTotal,
		DiskUsedBytes:    m.diskBytes,
		DiskTotalBytes:   m.diskTotal,
	}
}

// CanAcceptWork reports whether the host is below every configured
// resource threshold.
func (m *Monitor) CanAcceptWork() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cpuPercent >= m.cfg.CPUThreshold {
		m.logger.Debug().
			Float64("cpu_percent", m.cpuPercent).
			Float64("threshold", m.cfg.CPUThreshold).
			Msg("CPU threshold exceeded")
		return false
	}

	if m.memoryTotal > 0 {
		memPercent := float64(m.memoryBytes) / float64(m.memoryTotal) * 100
		if memPercent >= m.cfg.MemoryThreshold {
			m.logger.Debug().
				Float64("memory_percent", memPercent).
				Float64("threshold", m.cfg.MemoryThreshold).
				Msg("Memory threshold exceeded")
			return false
		}
	}

	if m.diskTotal > 0 {
		diskPercent := float64(m.diskBytes) / float64(m.diskTotal) * 100
		if diskPercent >= m.cfg.DiskThreshold {
			m.logger.Debug().
				Float64("disk_percent", diskPercent).
				Float64("threshold", m.cfg.DiskThreshold).
				Msg("Disk threshold exceeded")
			return false
		}
	}

	return true
}

func (m *Monitor) updateCPU() {
	if runtime.GOOS != "linux" {
		m.cpuPercent = 0
		return
	}

	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		m.logger.Debug().Err(err).Msg("Failed to read /proc/stat")
		return
	}

	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	// cpu user nice system idle iowait irq softirq steal
	if len(fields) < 8 || fields[0] != "cpu" {
		m.logger.Debug().Msg("Unexpected /proc/stat format")
		return
	}

	var values [8]uint64
	for i := range values {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			m.logger.Debug().Err(err).Msg("Failed to parse /proc/stat")
			return
		}
		values[i] = v
	}

	idleTime := values[3] + values[4]
	var totalTime uint64
	for _, v := range values {
		totalTime += v
	}

	if m.prevTotalTime > 0 && totalTime > m.prevTotalTime {
		idleDelta := idleTime - m.prevIdleTime
		totalDelta := totalTime - m.prevTotalTime
		m.cpuPercent = (1.0 - float64(idleDelta)/float64(totalDelta)) * 100
	}

	m.prevIdleTime = idleTime
	m.prevTotalTime = totalTime
}

func (m *Monitor) updateMemory() {
	if runtime.GOOS != "linux" {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		m.memoryBytes = int64(memStats.Alloc)
		m.memoryTotal = int64(memStats.Sys)
		return
	}

	f, err := os.Open("/proc/meminfo")
	if err != nil {
		m.logger.Debug().Err(err).Msg("Failed to read /proc/meminfo")
		return
	}
	defer f.Close()

	var total, free, available, buffers, cached int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = meminfoKB(line)
		case strings.HasPrefix(line, "MemFree:"):
			free = meminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = meminfoKB(line)
		case strings.HasPrefix(line, "Buffers:"):
			buffers = meminfoKB(line)
		case strings.HasPrefix(line, "Cached:"):
			cached = meminfoKB(line)
		}
	}

	m.memoryTotal = total * 1024
	if available > 0 {
		m.memoryBytes = (total - available) * 1024
	} else {
		m.memoryBytes = (total - free - buffers - cached) * 1024
	}
}

func (m *Monitor) updateDisk() {
	path := m.cfg.StateDir
	if path == "" {
		path = "/"
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		m.logger.Debug().Err(err).Str("path", path).Msg("Failed to get disk stats")
		return
	}

	m.diskTotal = int64(stat.Blocks) * int64(stat.Bsize)
	m.diskBytes = int64(stat.Blocks-stat.Bfree) * int64(stat.Bsize)
}

// meminfoKB extracts the numeric kB value from a /proc/meminfo line.
func meminfoKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
