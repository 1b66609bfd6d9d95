package runner

import (
	"bytes"
	"io"
	"os"
	"time"
)

// pipeDrainDeadline bounds each read attempt on a child's stdout/stderr
// pipe, standing in for the original select()-with-EINTR loop: Go's pipes
// support SetReadDeadline, so instead of a blocking select() woken by a
// signal handler, each goroutine wakes on a short timeout and re-checks the
// signal flag itself.
const pipeDrainDeadline = 200 * time.Millisecond

// drainPipe copies everything read from r to both out (so a human watching
// the runner's own stdout/stderr still sees it live) and the returned
// buffer, until the writer end closes (EOF) or caught reports the
// signal-caught flag is set, matching Runner::readStandardOutputs's
// "select() returning EINTR while the signal flag is set breaks the loop"
// behaviour.
func drainPipe(r *os.File, out io.Writer, caught func() bool) []byte {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		r.SetReadDeadline(time.Now().Add(pipeDrainDeadline))
		n, err := r.Read(chunk)
		if n > 0 {
			out.Write(chunk[:n])
			buf.Write(chunk[:n])
		}
		if err != nil {
			if os.IsTimeout(err) {
				if caught() {
					return buf.Bytes()
				}
				continue
			}
			return buf.Bytes()
		}
	}
}
