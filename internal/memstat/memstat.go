// Package memstat samples the memory footprint of the running process and of
// the browser processes it drives.
package memstat

import (
	"fmt"
	"runtime"

	"github.com/prometheus/procfs"
)

// MiB is one mebibyte.
const MiB = 1 << 20

// Sample is one memory reading.
type Sample struct {
	HeapBytes uint64
	RSSBytes  uint64
	// BrowserRSSBytes is the resident set of a browser and its children.
	BrowserRSSBytes uint64
}

// HeapMB returns the heap in mebibytes.
func (s Sample) HeapMB() int { return int(s.HeapBytes / MiB) }

// RSSMB returns the resident set in mebibytes.
func (s Sample) RSSMB() int { return int(s.RSSBytes / MiB) }

// BrowserMB returns the browser tree's resident set in mebibytes.
func (s Sample) BrowserMB() int { return int(s.BrowserRSSBytes / MiB) }

// Sampler reads process memory.
type Sampler interface {
	Sample() (Sample, error)
}

// TreeSampler reads the resident set of a process tree.
type TreeSampler interface {
	TreeRSS(root int) (uint64, error)
}

// Pressure classifies a sample against configured marks.
type Pressure int

// Pressure levels.
const (
	Normal Pressure = iota
	High
	Critical
)

func (p Pressure) String() string {
	switch p {
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// Thresholds are the high-water marks in mebibytes. Zero disables a mark.
type Thresholds struct {
	HeapHighMB     int
	HeapCriticalMB int
	RSSHighMB      int
	RSSCriticalMB  int

	BrowserHighMB     int
	BrowserCriticalMB int
}

// Classify returns the worst pressure level the sample reaches.
func (t Thresholds) Classify(s Sample) Pressure {
	over := func(v, mark int) bool { return mark > 0 && v >= mark }
	switch {
	case over(s.HeapMB(), t.HeapCriticalMB), over(s.RSSMB(), t.RSSCriticalMB),
		over(s.BrowserMB(), t.BrowserCriticalMB):
		return Critical
	case over(s.HeapMB(), t.HeapHighMB), over(s.RSSMB(), t.RSSHighMB),
		over(s.BrowserMB(), t.BrowserHighMB):
		return High
	default:
		return Normal
	}
}

// Process samples the Go heap through the runtime and the resident set
// through /proc. RSS reads as zero where procfs is not available.
type Process struct {
	proc *procfs.Proc
}

// NewProcess opens /proc/self when present.
func NewProcess() *Process {
	p := &Process{}
	if self, err := procfs.Self(); err == nil {
		p.proc = &self
	}
	return p
}

// Sample reads the current heap and resident set.
func (p *Process) Sample() (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{HeapBytes: ms.HeapAlloc}
	if p.proc == nil {
		return s, nil
	}
	stat, err := p.proc.Stat()
	if err != nil {
		return s, fmt.Errorf("read /proc stat: %w", err)
	}
	s.RSSBytes = uint64(stat.ResidentMemory())
	return s, nil
}

// TreeRSS sums the resident set of root and every process descending from it.
func (p *Process) TreeRSS(root int) (uint64, error) {
	if root <= 0 {
		return 0, fmt.Errorf("invalid pid %d", root)
	}
	procs, err := procfs.AllProcs()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	children := make(map[int][]int)
	rss := make(map[int]uint64, len(procs))
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		children[stat.PPID] = append(children[stat.PPID], proc.PID)
		rss[proc.PID] = uint64(stat.ResidentMemory())
	}
	if _, ok := rss[root]; !ok {
		return 0, fmt.Errorf("process %d not found", root)
	}
	var total uint64
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		total += rss[pid]
		queue = append(queue, children[pid]...)
	}
	return total, nil
}
