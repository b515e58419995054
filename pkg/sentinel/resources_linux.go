//go:build linux

package sentinel

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Kernel clock ticks per second for utime/stime in /proc/<pid>/stat.
// Fixed at 100 on every Linux platform Go supports.
const clockTicksPerSecond = 100

// sampleProcess reads memory and CPU usage for a live process from
// procfs. The second return is false when the process is gone or the
// files cannot be parsed; sampling is best-effort and never fails a
// scan.
func sampleProcess(pid int) (procSample, bool) {
	if pid <= 0 {
		return procSample{}, false
	}
	base := "/proc/" + strconv.Itoa(pid)

	statm, err := os.ReadFile(base + "/statm")
	if err != nil {
		return procSample{}, false
	}
	fields := strings.Fields(string(statm))
	if len(fields) < 2 {
		return procSample{}, false
	}
	residentPages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return procSample{}, false
	}

	stat, err := os.ReadFile(base + "/stat")
	if err != nil {
		return procSample{}, false
	}
	// comm may contain spaces; real fields start after the last ')'.
	raw := string(stat)
	idx := strings.LastIndexByte(raw, ')')
	if idx < 0 {
		return procSample{}, false
	}
	rest := strings.Fields(raw[idx+1:])
	// rest[0] is field 3 (state); utime and stime are fields 14 and 15.
	if len(rest) < 13 {
		return procSample{}, false
	}
	utime, err1 := strconv.ParseInt(rest[11], 10, 64)
	stime, err2 := strconv.ParseInt(rest[12], 10, 64)
	if err1 != nil || err2 != nil {
		return procSample{}, false
	}

	return procSample{
		rssBytes: residentPages * int64(os.Getpagesize()),
		cpuTime:  time.Duration(utime+stime) * time.Second / clockTicksPerSecond,
	}, true
}
