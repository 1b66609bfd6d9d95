package monitor

import (
	"io"
	"os"
)

const readBufferSize = 4096

// drainFile reads f until no more bytes are currently available (an EOF on
// a regular file just means "caught up", not "done"), invoking onData with
// each non-empty read. Returns false if a read error other than EOF
// occurred, matching readFileAndStream's bool-success contract.
func drainFile(f *os.File, onData DataReady) bool {
	buf := make([]byte, readBufferSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			onData(buf[:n])
		}
		if err != nil {
			return err == io.EOF
		}
		if n == 0 {
			return true
		}
	}
}
