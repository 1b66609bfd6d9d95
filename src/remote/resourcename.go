package remote

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/buildboxgo/reapiclient/src/digest"
)

// readResourceName builds the byte-stream resource name used to read a
// blob, mirroring src/remote.Client.byteStreamDownloadName.
func readResourceName(instance string, d digest.Digest, compressed bool) string {
	mid := "blobs"
	if compressed {
		mid = "compressed-blobs/zstd"
	}
	name := fmt.Sprintf("%s/%s/%d", mid, d.Hash, d.SizeBytes)
	if instance != "" {
		name = instance + "/" + name
	}
	return name
}

// writeResourceName builds the byte-stream resource name used to write a
// blob, including the client's UUID (generated once, at construction, and
// reused for every upload resource name the protocol requires to
// disambiguate concurrent uploads of the same digest), mirroring
// buildboxcommon_client.cpp's constructor-generated d_uuid rather than
// src/remote.Client.byteStreamUploadName's per-call uuid.NewRandom.
func writeResourceName(instance string, d digest.Digest, compressed bool, u uuid.UUID) string {
	mid := "blobs"
	if compressed {
		mid = "compressed-blobs/zstd"
	}
	name := fmt.Sprintf("uploads/%s/%s/%s/%d", u, mid, d.Hash, d.SizeBytes)
	if instance != "" {
		name = instance + "/" + name
	}
	return name
}
