package remote

import (
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildboxgo/reapiclient/src/reapierr"
)

// convertStatus turns a response-embedded google.rpc.Status (as returned
// inline in BatchUpdateBlobsResponse/BatchReadBlobsResponse entries) into a
// typed error, or nil if it represents success. Mirrors
// src/remote/utils.go's convertError.
func convertStatus(s *rpcstatus.Status) error {
	if s == nil || s.Code == int32(codes.OK) {
		return nil
	}
	return reapierr.FromStatus(status.Error(codes.Code(s.Code), s.Message), "batch entry failed")
}

func isUnimplemented(err error) bool {
	return status.Code(err) == codes.Unimplemented
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
