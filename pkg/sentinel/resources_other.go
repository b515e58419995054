//go:build !linux

package sentinel

// Resource sampling is procfs-based and therefore Linux-only. On other
// platforms the sentinel falls back to inactivity detection alone.
func sampleProcess(int) (procSample, bool) {
	return procSample{}, false
}
