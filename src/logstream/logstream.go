// Package logstream implements the REAPI LogStream extension's write side:
// a single-owner byte-stream writer with a NEW/READY/COMMITTED lifecycle,
// ported from buildbox-common's LogStreamWriter (write()/commit()/
// queryStreamWriteStatus()) since please itself has no LogStream analogue
// to ground this on — the byte-stream plumbing is the same WriteRequest/
// offset/finish_write discipline src/remote/blobs.go uses for ordinary
// blobs, just opened lazily and tolerant of no reader ever attaching.
package logstream

import (
	"context"
	"fmt"
	"io"

	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/buildboxgo/reapiclient/src/reapierr"
	"github.com/buildboxgo/reapiclient/src/rpcretry"
)

// state tracks the writer's position in its NEW -> READY -> COMMITTED
// lifecycle. A writer may also end up Abandoned if the first
// QueryWriteStatus finds no reader.
type state int

const (
	stateNew state = iota
	stateReady
	stateAbandoned
	stateCommitted
)

// Writer is a single-owner handle to one LogStream resource. It is not
// shareable across goroutines: only one Write/Commit may be in flight at a
// time, matching the single ByteStream.Write RPC it wraps.
type Writer struct {
	client       bs.ByteStreamClient
	resourceName string
	retryPolicy  rpcretry.Policy

	state  state
	offset int64

	stream bs.ByteStream_WriteClient
}

// New returns a Writer for resourceName. No RPC is issued until the first
// Write call, matching LogStreamWriter's lazy QueryWriteStatus-on-first-write.
func New(client bs.ByteStreamClient, resourceName string, policy rpcretry.Policy) *Writer {
	return &Writer{client: client, resourceName: resourceName, retryPolicy: policy}
}

// Write sends data as one chunk of the log. The first call to Write issues
// a QueryWriteStatus first; if that returns NOT_FOUND (no reader ever
// attached to the stream), the writer silently abandons itself and every
// subsequent Write is a no-op returning nil, matching spec's "write after
// abandon is a no-op, not an error" contract — a log nobody reads
// shouldn't make the caller's build fail.
func (w *Writer) Write(ctx context.Context, data []byte) error {
	if w.state == stateCommitted {
		panic("logstream: Write called after Commit")
	}
	if w.state == stateNew {
		ready, err := w.queryWriteStatus(ctx)
		if err != nil {
			return err
		}
		if !ready {
			w.state = stateAbandoned
			return nil
		}
		w.state = stateReady
	}
	if w.state == stateAbandoned {
		return nil
	}
	return rpcretry.Do(ctx, w.retryPolicy, nil, func(ctx context.Context) error {
		stream, err := w.openStream(ctx)
		if err != nil {
			return err
		}
		if err := stream.Send(&bs.WriteRequest{
			ResourceName: w.resourceName,
			WriteOffset:  w.offset,
			Data:         data,
			FinishWrite:  false,
		}); err != nil {
			return reapierr.FromStatus(err, "write log chunk")
		}
		w.offset += int64(len(data))
		return nil
	})
}

// Commit finishes the write, verifying the server's committed_size matches
// what was sent. Calling Commit twice panics, matching the original's
// "must fail loudly" double-commit behaviour; callers own exactly one
// commit per Writer.
func (w *Writer) Commit(ctx context.Context) error {
	if w.state == stateCommitted {
		panic("logstream: Commit called twice")
	}
	if w.state == stateAbandoned {
		w.state = stateCommitted
		return nil
	}
	return rpcretry.Do(ctx, w.retryPolicy, nil, func(ctx context.Context) error {
		stream, err := w.openStream(ctx)
		if err != nil {
			return err
		}
		if err := stream.Send(&bs.WriteRequest{
			ResourceName: w.resourceName,
			WriteOffset:  w.offset,
			FinishWrite:  true,
		}); err != nil {
			return reapierr.FromStatus(err, "commit log write")
		}
		resp, err := stream.CloseAndRecv()
		if err != nil {
			return reapierr.FromStatus(err, "close log write stream")
		}
		if resp.CommittedSize != w.offset {
			return reapierr.New(reapierr.Integrity, fmt.Sprintf(
				"server committed %d bytes, expected %d", resp.CommittedSize, w.offset))
		}
		w.state = stateCommitted
		return nil
	})
}

func (w *Writer) queryWriteStatus(ctx context.Context) (bool, error) {
	var ready bool
	err := rpcretry.Do(ctx, w.retryPolicy, nil, func(ctx context.Context) error {
		_, err := w.client.QueryWriteStatus(ctx, &bs.QueryWriteStatusRequest{ResourceName: w.resourceName})
		if err != nil {
			if reapierr.IsNotFound(err) {
				ready = false
				return nil
			}
			return reapierr.FromStatus(err, "query write status")
		}
		ready = true
		return nil
	})
	return ready, err
}

func (w *Writer) openStream(ctx context.Context) (bs.ByteStream_WriteClient, error) {
	if w.stream != nil {
		return w.stream, nil
	}
	stream, err := w.client.Write(ctx)
	if err != nil {
		return nil, reapierr.FromStatus(err, "open log write stream")
	}
	w.stream = stream
	return stream, nil
}

var _ io.Writer = (*syncWriter)(nil)

// syncWriter adapts a Writer to io.Writer for callers (such as the runner's
// stdout/stderr upload path) that want to treat a log stream as a plain
// sink; it uses context.Background() for each Write since io.Writer has no
// context parameter.
type syncWriter struct {
	w *Writer
}

// AsIOWriter wraps w so it can be passed to io.Copy and similar helpers.
func AsIOWriter(w *Writer) io.Writer {
	return &syncWriter{w: w}
}

func (s *syncWriter) Write(p []byte) (int, error) {
	if err := s.w.Write(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
