package remote

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/buildboxgo/reapiclient/src/digest"
)

func dialFakeClient(t *testing.T, s *fakeServer) *Client {
	t.Helper()
	addr, stop := startFakeServer(t, s)
	t.Cleanup(stop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, Options{Address: addr, Insecure: true})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHandshakeChoosesDigestFunction(t *testing.T) {
	digest.SetFunction(digest.Unknown)
	c := dialFakeClient(t, newFakeServer())
	if digest.CurrentFunction() != digest.SHA256 {
		t.Fatalf("CurrentFunction() = %v; want SHA256", digest.CurrentFunction())
	}
	if c.MaxBatchSize() != 2048 {
		t.Fatalf("MaxBatchSize() = %d; want 2048", c.MaxBatchSize())
	}
}

func TestUploadThenDownloadSmallBlob(t *testing.T) {
	digest.SetFunction(digest.SHA256)
	c := dialFakeClient(t, newFakeServer())
	ctx := context.Background()
	data := []byte("hello, cas")
	d := digest.Of(data)

	if _, err := c.UploadBlobs(ctx, []Blob{{Digest: d, Data: data}}, true); err != nil {
		t.Fatalf("UploadBlobs() = %v", err)
	}
	got, err := c.DownloadBlobBytes(ctx, d)
	if err != nil {
		t.Fatalf("DownloadBlobBytes() = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("downloaded %q; want %q", got, data)
	}
}

func TestFindMissingBlobsSkipsAlreadyPresent(t *testing.T) {
	digest.SetFunction(digest.SHA256)
	srv := newFakeServer()
	c := dialFakeClient(t, srv)
	ctx := context.Background()
	present := []byte("already here")
	presentDigest := digest.Of(present)
	if _, err := c.UploadBlobs(ctx, []Blob{{Digest: presentDigest, Data: present}}, true); err != nil {
		t.Fatal(err)
	}

	missingInput := digest.Of([]byte("not uploaded yet"))
	missing, err := c.FindMissingBlobs(ctx, []digest.Digest{presentDigest, missingInput})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != missingInput {
		t.Fatalf("missing = %v; want [%v]", missing, missingInput)
	}
}

func TestUploadBlobOverBatchSizeUsesByteStream(t *testing.T) {
	digest.SetFunction(digest.SHA256)
	srv := newFakeServer()
	srv.maxBatchSize = 16
	c := dialFakeClient(t, srv)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 1000)
	d := digest.Of(data)

	if _, err := c.UploadBlobs(ctx, []Blob{{Digest: d, Data: data}}, true); err != nil {
		t.Fatalf("UploadBlobs() = %v", err)
	}
	got, err := c.DownloadBlobBytes(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-tripped content mismatch for oversized blob")
	}
}

func TestDownloadBlobsFallsBackWithoutBatchRead(t *testing.T) {
	digest.SetFunction(digest.SHA256)
	srv := newFakeServer()
	srv.unimplementedBatchRead = true
	c := dialFakeClient(t, srv)
	if c.canBatchReads {
		t.Fatal("expected canBatchReads=false when BatchReadBlobs is unimplemented")
	}
	ctx := context.Background()
	data := []byte("fallback path")
	d := digest.Of(data)
	if _, err := c.UploadBlobs(ctx, []Blob{{Digest: d, Data: data}}, true); err != nil {
		t.Fatal(err)
	}
	blobs, err := c.DownloadBlobs(ctx, []digest.Digest{d}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(blobs) != 1 || blobs[0].Err != nil || !bytes.Equal(blobs[0].Data, data) {
		t.Fatalf("DownloadBlobs = %v", blobs)
	}
}

func TestUploadBlobsCollectsPerDigestFailuresWithoutThrowing(t *testing.T) {
	digest.SetFunction(digest.SHA256)
	c := dialFakeClient(t, newFakeServer())
	ctx := context.Background()

	good := []byte("fine")
	goodDigest := digest.Of(good)
	// A digest whose declared size doesn't match its data: the fake
	// server's BatchUpdateBlobs rejects it with INVALID_ARGUMENT, the
	// other entry in the same batch must still succeed.
	bad := []byte("mismatched")
	badDigest := digest.Digest{Hash: digest.Of(bad).Hash, SizeBytes: digest.Of(bad).SizeBytes + 1}

	results, err := c.UploadBlobs(ctx, []Blob{
		{Digest: goodDigest, Data: good},
		{Digest: badDigest, Data: bad},
	}, false)
	if err != nil {
		t.Fatalf("UploadBlobs(throwOnError=false) = %v; want nil", err)
	}
	var sawGood, sawBad bool
	for _, r := range results {
		switch r.Digest {
		case goodDigest:
			sawGood = true
			if r.Err != nil {
				t.Fatalf("good digest failed: %v", r.Err)
			}
		case badDigest:
			sawBad = true
			if r.Err == nil {
				t.Fatal("bad digest should have a non-nil per-digest error")
			}
		}
	}
	if !sawGood || !sawBad {
		t.Fatalf("results = %v; want entries for both digests", results)
	}
}

func TestUploadBlobEmptyDigestIsNoop(t *testing.T) {
	digest.SetFunction(digest.SHA256)
	c := dialFakeClient(t, newFakeServer())
	err := c.UploadBlob(context.Background(), digest.Digest{}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("UploadBlob(empty) = %v", err)
	}
}

func TestDownloadBlobEmptyDigestReturnsEmptyReader(t *testing.T) {
	digest.SetFunction(digest.SHA256)
	c := dialFakeClient(t, newFakeServer())
	r, err := c.DownloadBlob(context.Background(), digest.Digest{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 0 {
		t.Fatalf("expected empty read, got %d bytes", len(b))
	}
}
