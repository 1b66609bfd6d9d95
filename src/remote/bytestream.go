package remote

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/buildboxgo/reapiclient/src/digest"
	"github.com/buildboxgo/reapiclient/src/reapierr"
	"github.com/buildboxgo/reapiclient/src/rpcretry"
)

// chunkSize bounds each Write request's payload at 1 MiB, the byte-stream
// chunk size buildboxcommon_client.cpp's s_bytestreamChunkSizeBytes uses;
// also the boundary FindMissingBlobs partitions its digest lists against.
const chunkSize = 1024 * 1024

// UploadBlob sends a single blob via the byte-stream Write RPC, used for
// blobs too large for BatchUpdateBlobs. It does not resume a partial
// upload: QueryWriteStatus is not consulted, and every attempt opens a new
// Write stream starting at offset zero.
func (c *Client) UploadBlob(ctx context.Context, d digest.Digest, r io.Reader) error {
	if d.Empty() {
		return nil
	}
	name := writeResourceName(c.instance, d, c.compress, c.uuid)
	attach := func(ctx context.Context, attempt int) context.Context {
		if attempt > 0 {
			c.incRetryCount()
		}
		return ctx
	}
	return rpcretry.Do(ctx, c.retryPolicy, attach, func(ctx context.Context) error {
		src := r
		var closeSrc func() error
		if c.compress {
			cr, closer, err := zstdCompress(r)
			if err != nil {
				return reapierr.Wrap(reapierr.Io, err, "starting zstd compression")
			}
			src, closeSrc = cr, closer
		}
		stream, err := c.bsClient.Write(ctx)
		if err != nil {
			return reapierr.FromStatus(err, "open write stream")
		}
		buf := make([]byte, chunkSize)
		var offset int64
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if sendErr := stream.Send(&bs.WriteRequest{
					ResourceName: name,
					WriteOffset:  offset,
					Data:         buf[:n],
				}); sendErr != nil {
					return reapierr.FromStatus(sendErr, "write chunk")
				}
				offset += int64(n)
			}
			if err == io.EOF {
				break
			} else if err != nil {
				return reapierr.Wrap(reapierr.Io, err, "read blob source")
			}
		}
		if closeSrc != nil {
			if err := closeSrc(); err != nil {
				return reapierr.Wrap(reapierr.Io, err, "closing zstd compressor")
			}
		}
		if err := stream.Send(&bs.WriteRequest{WriteOffset: offset, FinishWrite: true}); err != nil {
			return reapierr.FromStatus(err, "finish write")
		}
		resp, err := stream.CloseAndRecv()
		if err != nil {
			return reapierr.FromStatus(err, "close write stream")
		}
		if resp.CommittedSize != offset {
			return reapierr.New(reapierr.Integrity, fmt.Sprintf("committed size %d != sent size %d", resp.CommittedSize, offset))
		}
		c.addUploadBytes(offset)
		return nil
	})
}

// DownloadBlob fetches a single blob via the byte-stream Read RPC and
// returns a reader over its contents, mirroring
// src/remote.Client.readByteStream's byteStreamReader adapter.
func (c *Client) DownloadBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if d.Empty() {
		return io.NopCloser(noBytesReader{}), nil
	}
	name := readResourceName(c.instance, d, c.compress)
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.bsClient.Read(streamCtx, &bs.ReadRequest{ResourceName: name})
	if err != nil {
		cancel()
		return nil, reapierr.FromStatus(err, "open read stream")
	}
	raw := &byteStreamReader{stream: stream, cancel: cancel, digest: d}
	if !c.compress {
		return raw, nil
	}
	dec, err := zstd.NewReader(raw)
	if err != nil {
		cancel()
		return nil, reapierr.Wrap(reapierr.Io, err, "starting zstd decompression")
	}
	return &zstdReadCloser{dec: dec, underlying: raw}, nil
}

// zstdReadCloser adapts a *zstd.Decoder (which exposes Close with no error
// return) to io.ReadCloser, and makes sure the underlying byte-stream RPC
// is also torn down.
type zstdReadCloser struct {
	dec        *zstd.Decoder
	underlying io.Closer
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.underlying.Close()
}

// zstdCompress wraps r so reads from the returned reader yield r's content
// zstd-compressed, streaming through an in-memory pipe rather than
// buffering the whole blob. The returned close function must be called
// after the compressed reader returns io.EOF to surface any encoding error.
func zstdCompress(r io.Reader) (io.Reader, func() error, error) {
	pr, pw := io.Pipe()
	enc, err := zstd.NewWriter(pw)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(enc, r)
		if closeErr := enc.Close(); copyErr == nil {
			copyErr = closeErr
		}
		pw.CloseWithError(copyErr)
		done <- copyErr
	}()
	return pr, func() error { return <-done }, nil
}

type noBytesReader struct{}

func (noBytesReader) Read([]byte) (int, error) { return 0, io.EOF }

// byteStreamReader adapts the streaming Read RPC to io.Reader.
type byteStreamReader struct {
	stream bs.ByteStream_ReadClient
	cancel context.CancelFunc
	buf    []byte
	digest digest.Digest
	eof    bool
}

func (r *byteStreamReader) Read(into []byte) (int, error) {
	for len(r.buf) < len(into) && !r.eof {
		resp, err := r.stream.Recv()
		if err == io.EOF {
			r.eof = true
			break
		} else if err != nil {
			return 0, reapierr.FromStatus(err, fmt.Sprintf("read blob %s", r.digest))
		}
		r.buf = append(r.buf, resp.Data...)
	}
	n := len(into)
	if n > len(r.buf) {
		n = len(r.buf)
	}
	copy(into, r.buf[:n])
	r.buf = r.buf[n:]
	if n == 0 && r.eof {
		return 0, io.EOF
	}
	return n, nil
}

func (r *byteStreamReader) Close() error {
	r.cancel()
	return nil
}

// DownloadBlobBytes reads a blob fully into memory and verifies it against
// d, catching a server returning the wrong bytes for a requested digest.
func (c *Client) DownloadBlobBytes(ctx context.Context, d digest.Digest) ([]byte, error) {
	r, err := c.DownloadBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, reapierr.FromStatus(err, fmt.Sprintf("read blob %s", d))
	}
	if !digest.Verify(b, d) {
		return nil, reapierr.New(reapierr.Integrity, fmt.Sprintf("downloaded content does not match digest %s", d))
	}
	c.addDownloadBytes(int64(len(b)))
	return b, nil
}
