package remote

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	bs "google.golang.org/genproto/googleapis/bytestream"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeServer is a minimal in-process REAPI server exercising exactly the
// RPCs this package's Client issues, grounded on
// src/remote/remote_test.go's testServer.
type fakeServer struct {
	pb.UnimplementedCapabilitiesServer
	pb.UnimplementedContentAddressableStorageServer
	bs.UnimplementedByteStreamServer

	mu             sync.Mutex
	digestFunction []pb.DigestFunction_Value
	maxBatchSize   int64
	blobs          map[string][]byte // keyed by hash
	writes         map[string][]byte // keyed by resource name, in-flight
	unimplementedBatchRead bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		digestFunction: []pb.DigestFunction_Value{pb.DigestFunction_SHA256},
		maxBatchSize:   2048,
		blobs:          map[string][]byte{},
		writes:         map[string][]byte{},
	}
}

func (s *fakeServer) GetCapabilities(ctx context.Context, req *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	return &pb.ServerCapabilities{
		CacheCapabilities: &pb.CacheCapabilities{
			DigestFunction:         s.digestFunction,
			MaxBatchTotalSizeBytes: s.maxBatchSize,
			ActionCacheUpdateCapabilities: &pb.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
		},
		LowApiVersion:  &semver.SemVer{Major: 2},
		HighApiVersion: &semver.SemVer{Major: 2, Minor: 1},
	}, nil
}

func (s *fakeServer) FindMissingBlobs(ctx context.Context, req *pb.FindMissingBlobsRequest) (*pb.FindMissingBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &pb.FindMissingBlobsResponse{}
	for _, d := range req.BlobDigests {
		if _, ok := s.blobs[d.Hash]; !ok {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func (s *fakeServer) BatchUpdateBlobs(ctx context.Context, req *pb.BatchUpdateBlobsRequest) (*pb.BatchUpdateBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &pb.BatchUpdateBlobsResponse{Responses: make([]*pb.BatchUpdateBlobsResponse_Response, len(req.Requests))}
	for i, r := range req.Requests {
		resp.Responses[i] = &pb.BatchUpdateBlobsResponse_Response{Digest: r.Digest, Status: &rpcstatus.Status{}}
		if int64(len(r.Data)) != r.Digest.SizeBytes {
			resp.Responses[i].Status.Code = int32(codes.InvalidArgument)
			resp.Responses[i].Status.Message = "size mismatch"
			continue
		}
		s.blobs[r.Digest.Hash] = r.Data
	}
	return resp, nil
}

func (s *fakeServer) BatchReadBlobs(ctx context.Context, req *pb.BatchReadBlobsRequest) (*pb.BatchReadBlobsResponse, error) {
	if s.unimplementedBatchRead {
		return nil, status.Error(codes.Unimplemented, "batch reads disabled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &pb.BatchReadBlobsResponse{Responses: make([]*pb.BatchReadBlobsResponse_Response, len(req.Digests))}
	for i, d := range req.Digests {
		resp.Responses[i] = &pb.BatchReadBlobsResponse_Response{Status: &rpcstatus.Status{}, Digest: d}
		if data, ok := s.blobs[d.Hash]; ok {
			resp.Responses[i].Data = data
		} else {
			resp.Responses[i].Status.Code = int32(codes.NotFound)
			resp.Responses[i].Status.Message = fmt.Sprintf("blob %s not found", d.Hash)
		}
	}
	return resp, nil
}

var blobNameRE = regexp.MustCompile(`(?:uploads/[0-9a-f-]+/)?blobs/([0-9a-f]+)/[0-9]+`)

func blobHashFromResourceName(name string) (string, error) {
	m := blobNameRE.FindStringSubmatch(name)
	if m == nil {
		return "", status.Errorf(codes.InvalidArgument, "invalid resource name: %s", name)
	}
	return m[1], nil
}

func (s *fakeServer) Read(req *bs.ReadRequest, srv bs.ByteStream_ReadServer) error {
	hash, err := blobHashFromResourceName(req.ResourceName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	b, ok := s.blobs[hash]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "blob %s not found", hash)
	}
	for i := 0; i < len(b); i += 1024 {
		end := i + 1024
		if end > len(b) {
			end = len(b)
		}
		if err := srv.Send(&bs.ReadResponse{Data: b[i:end]}); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeServer) Write(srv bs.ByteStream_WriteServer) error {
	req, err := srv.Recv()
	if err != nil {
		return err
	}
	name := req.ResourceName
	hash, err := blobHashFromResourceName(name)
	if err != nil {
		return err
	}
	var b []byte
	for {
		if req.WriteOffset != int64(len(b)) {
			return status.Errorf(codes.InvalidArgument, "bad write offset %d, want %d", req.WriteOffset, len(b))
		}
		b = append(b, req.Data...)
		if req.FinishWrite {
			s.mu.Lock()
			s.blobs[hash] = b
			s.mu.Unlock()
			break
		}
		req, err = srv.Recv()
		if err != nil {
			return err
		}
	}
	return srv.SendAndClose(&bs.WriteResponse{CommittedSize: int64(len(b))})
}

func (s *fakeServer) QueryWriteStatus(ctx context.Context, req *bs.QueryWriteStatusRequest) (*bs.QueryWriteStatusResponse, error) {
	hash, err := blobHashFromResourceName(req.ResourceName)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blobs[hash]; ok {
		return &bs.QueryWriteStatusResponse{CommittedSize: int64(len(b)), Complete: true}, nil
	}
	return nil, status.Errorf(codes.NotFound, "resource %s not found", req.ResourceName)
}

// startFakeServer starts s on a loopback listener and returns its address
// plus a stop function.
func startFakeServer(t *testing.T, s *fakeServer) (addr string, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	gs := grpc.NewServer()
	pb.RegisterCapabilitiesServer(gs, s)
	pb.RegisterContentAddressableStorageServer(gs, s)
	bs.RegisterByteStreamServer(gs, s)
	go gs.Serve(lis)
	return lis.Addr().String(), gs.Stop
}
