package monitor

import (
	"os"
	"sync/atomic"
	"time"
)

// minWriteBatchSize is the accumulated-bytes threshold that triggers a
// callback invocation, matching s_min_write_batch_size_bytes.
const minWriteBatchSize = 100

// pollInterval is the sleep between fstat/read attempts when no data (or
// not enough of it) is available yet.
const pollInterval = 10 * time.Millisecond

// PollMonitor is the portable fallback for filesystems where inotify isn't
// available (or on non-Linux platforms): a background goroutine polls the
// file's size by reading in a loop, batching small reads until
// minWriteBatchSize bytes have accumulated or Stop has been requested.
type PollMonitor struct {
	file    *os.File
	stopped atomic.Bool
	done    chan struct{}
}

// NewPollMonitor opens path read-only and starts the polling goroutine.
func NewPollMonitor(path string, onData DataReady) (*PollMonitor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	m := &PollMonitor{file: f, done: make(chan struct{})}
	go m.run(onData)
	return m, nil
}

// Stop requests the monitoring goroutine to exit and waits for it.
func (m *PollMonitor) Stop() {
	m.stopped.Store(true)
	<-m.done
	m.file.Close()
}

func (m *PollMonitor) run(onData DataReady) {
	defer close(m.done)

	if !m.waitForInitialWrite() {
		return
	}

	var pending []byte
	buf := make([]byte, readBufferSize)
	for {
		n, err := m.file.Read(buf)
		if err != nil && n == 0 {
			if m.stopped.Load() {
				if len(pending) > 0 {
					onData(pending)
				}
				return
			}
			time.Sleep(pollInterval)
			continue
		}
		if n > 0 {
			pending = append(pending, buf[:n]...)
		}

		lastWrite := len(pending) > 0 && m.stopped.Load()
		if len(pending) >= minWriteBatchSize || lastWrite {
			onData(pending)
			pending = nil
			if lastWrite {
				return
			}
		} else if n == 0 && m.stopped.Load() {
			return
		} else if n == 0 {
			time.Sleep(pollInterval)
		}
	}
}

// waitForInitialWrite blocks (polling fstat) until the file has at least
// one byte available or Stop is requested before anything was ever
// written.
func (m *PollMonitor) waitForInitialWrite() bool {
	for !m.stopped.Load() {
		info, err := m.file.Stat()
		if err != nil {
			return false
		}
		if info.Size() > 0 {
			return true
		}
		time.Sleep(pollInterval)
	}
	return false
}
