// Package monitor streams a child process's stdout/stderr file as it is
// written, invoking a callback with each chunk of new bytes. Two
// interchangeable implementations are provided: InotifyMonitor (Linux,
// watches IN_MODIFY/IN_CLOSE_WRITE) and PollMonitor (portable fstat loop),
// ported from buildbox-common's StreamingStandardOutputInotifyFileMonitor
// and StreamingStandardOutputStatFileMonitor. Both guarantee sequential,
// at-least-once delivery and no callback invocation after Stop returns,
// matching src/process.Executor's convention of owning a background
// goroutine whose lifetime is joined on shutdown.
package monitor

// Monitor is a running background watch on a single file. Stop blocks
// until the monitoring goroutine has exited and no further callback
// invocations will occur.
type Monitor interface {
	Stop()
}

// DataReady is invoked with each chunk of newly available bytes. It must
// not retain chunk past the call: the monitor may reuse the backing array
// on the next read.
type DataReady func(chunk []byte)
