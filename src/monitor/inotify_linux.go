//go:build linux

package monitor

import (
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pollTimeout bounds each poll() call on the inotify fd, matching the
// original's 500ms wait.
const pollTimeout = 500 * time.Millisecond

// timeoutCyclesAfterStop is how many more poll timeouts the monitoring
// goroutine rides out after Stop is called, so a write immediately
// preceding Stop is not lost.
const timeoutCyclesAfterStop = 2

// InotifyMonitor watches a single file for IN_MODIFY/IN_CLOSE_WRITE via
// inotify, streaming new bytes to a callback as they appear.
type InotifyMonitor struct {
	file        *os.File
	inotifyFd   int
	watchFd     int
	stopped     atomic.Bool
	done        chan struct{}
}

// NewInotifyMonitor opens path read-only, starts an inotify watch on it,
// and launches the background goroutine that streams data to onData.
func NewInotifyMonitor(path string, onData DataReady) (*InotifyMonitor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	inotifyFd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		f.Close()
		return nil, err
	}
	watchFd, err := unix.InotifyAddWatch(inotifyFd, path, unix.IN_MODIFY|unix.IN_CLOSE_WRITE)
	if err != nil {
		unix.Close(inotifyFd)
		f.Close()
		return nil, err
	}

	m := &InotifyMonitor{file: f, inotifyFd: inotifyFd, watchFd: watchFd, done: make(chan struct{})}
	go m.run(onData)
	return m, nil
}

// Stop requests the monitoring goroutine to exit and waits for it.
func (m *InotifyMonitor) Stop() {
	m.stopped.Store(true)
	<-m.done
	unix.InotifyRmWatch(m.inotifyFd, uint32(m.watchFd))
	unix.Close(m.inotifyFd)
	m.file.Close()
}

func (m *InotifyMonitor) run(onData DataReady) {
	defer close(m.done)
	remainingCycles := timeoutCyclesAfterStop

	for {
		ready, err := m.waitForInotify()
		if err != nil {
			return
		}
		if !ready {
			if m.stopped.Load() {
				remainingCycles--
			}
			if remainingCycles <= 0 {
				return
			}
			continue
		}

		mask, err := m.readInotifyEvents()
		if err != nil {
			return
		}
		streamed := drainFile(m.file, onData)
		closedWrite := mask&unix.IN_CLOSE_WRITE != 0
		if !streamed || closedWrite {
			return
		}
	}
}

func (m *InotifyMonitor) waitForInotify() (bool, error) {
	const maxRetries = 3
	fds := []unix.PollFd{{Fd: int32(m.inotifyFd), Events: unix.POLLIN}}
	for i := 0; i < maxRetries; i++ {
		n, err := unix.Poll(fds, int(pollTimeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (m *InotifyMonitor) readInotifyEvents() (uint32, error) {
	buf := make([]byte, (unix.SizeofInotifyEvent+unix.NAME_MAX+1)*2)
	n, err := unix.Read(m.inotifyFd, buf)
	if err != nil {
		return 0, err
	}
	var mask uint32
	offset := 0
	for offset+unix.SizeofInotifyEvent <= n {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		mask |= uint32(ev.Mask)
		offset += unix.SizeofInotifyEvent + int(ev.Len)
	}
	return mask, nil
}
