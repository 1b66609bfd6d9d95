// Package digest computes REAPI digests (a hash paired with a byte size)
// under a single process-wide digest function, the way src/fs.PathHasher
// computes a single hash per file but generalised to the five functions the
// Remote Execution API allows a server to advertise.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// Function identifies one of the hash algorithms REAPI allows a CAS to key
// blobs by. It is chosen once, from a server's capabilities response, and
// held fixed for the life of a client.
type Function int

const (
	// Unknown means no function has been selected yet.
	Unknown Function = iota
	MD5
	SHA1
	SHA256
	SHA384
	SHA512
)

var enumValues = map[Function]repb.DigestFunction_Value{
	MD5:    repb.DigestFunction_MD5,
	SHA1:   repb.DigestFunction_SHA1,
	SHA256: repb.DigestFunction_SHA256,
	SHA384: repb.DigestFunction_SHA384,
	SHA512: repb.DigestFunction_SHA512,
}

// ToProto returns the wire enum value for f.
func (f Function) ToProto() repb.DigestFunction_Value {
	return enumValues[f]
}

// FromProto converts a wire DigestFunction_Value into a Function, returning
// Unknown, false if v isn't one this package supports.
func FromProto(v repb.DigestFunction_Value) (Function, bool) {
	for f, pv := range enumValues {
		if pv == v {
			return f, true
		}
	}
	return Unknown, false
}

func (f Function) String() string {
	switch f {
	case MD5:
		return "MD5"
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	case SHA384:
		return "SHA384"
	case SHA512:
		return "SHA512"
	default:
		return "UNKNOWN"
	}
}

func (f Function) new() hash.Hash {
	switch f {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	default:
		panic(fmt.Sprintf("digest: no hash for function %v", f))
	}
}

// current holds the process-wide digest function, set once via SetFunction
// and read thereafter by every digest computed in this process. REAPI
// requires a single function be used consistently across a server
// connection, so we model it as global state rather than threading a
// parameter through every call site.
var current struct {
	mu sync.RWMutex
	fn Function
}

// SetFunction fixes the digest function used by Of, OfFile and OfReader for
// the remainder of the process. It is normally called once, immediately
// after a capabilities handshake selects a function the client and server
// both support.
func SetFunction(f Function) {
	current.mu.Lock()
	defer current.mu.Unlock()
	current.fn = f
}

// CurrentFunction returns the function set by SetFunction, or Unknown if
// none has been set.
func CurrentFunction() Function {
	current.mu.RLock()
	defer current.mu.RUnlock()
	return current.fn
}

// A Digest is a REAPI digest: a hash of some content together with its
// size in bytes. Two Digests are equal iff their hash strings and sizes
// are equal; callers should never need to compare size alone.
type Digest struct {
	Hash      string
	SizeBytes int64
}

// Proto converts d to the wire message, copying its hash and size.
func (d Digest) Proto() *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

// FromProto converts a wire Digest message into a Digest.
func FromProto(p *repb.Digest) Digest {
	if p == nil {
		return Digest{}
	}
	return Digest{Hash: p.Hash, SizeBytes: p.SizeBytes}
}

// String renders d as "hash/size", the form used in CAS resource names.
func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.SizeBytes)
}

// Empty reports whether d is the digest of zero bytes under the current
// function. Used to special-case the REAPI convention that empty blobs
// never need to be uploaded or fetched.
func (d Digest) Empty() bool {
	return d.SizeBytes == 0
}

// Of computes the Digest of b under the current process-wide function.
func Of(b []byte) Digest {
	h := CurrentFunction().new()
	h.Write(b)
	return Digest{Hash: fmt.Sprintf("%x", h.Sum(nil)), SizeBytes: int64(len(b))}
}

// OfReader computes the Digest of everything read from r, without requiring
// the full contents in memory at once.
func OfReader(r io.Reader) (Digest, error) {
	h := CurrentFunction().new()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Hash: fmt.Sprintf("%x", h.Sum(nil)), SizeBytes: n}, nil
}

// OfFile computes the Digest of the file at path by streaming its contents
// through the current function, mirroring src/fs.PathHasher.fileHash but
// without the per-path xattr cache: the client here is expected to digest
// each file once per build rather than across repeated invocations.
func OfFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	return OfReader(f)
}

// Verify reports whether b actually hashes to want under the current
// function. Used after a download to catch a server returning the wrong
// bytes for a requested digest.
func Verify(b []byte, want Digest) bool {
	got := Of(b)
	return got.Hash == want.Hash && got.SizeBytes == want.SizeBytes
}

// errHasherReused is returned by Write or Sum once a Hasher has already
// produced a Digest: a hash.Hash can't be fed more bytes after Sum without
// silently mixing the digest of the old content into the new one, so this
// package closes that off rather than inheriting the footgun.
var errHasherReused = errors.New("digest: Hasher used after Sum")

// Hasher computes a Digest incrementally, for content a caller can't or
// doesn't want to buffer fully in memory before hashing (an upload streamed
// from disk, a download whose final size isn't known up front). It wraps
// the same process-wide function Of/OfReader/OfFile use.
type Hasher struct {
	h    hash.Hash
	n    int64
	done bool
}

// NewHasher starts a Hasher under the current process-wide digest function.
func NewHasher() *Hasher {
	return &Hasher{h: CurrentFunction().new()}
}

// Write feeds b into the running hash. It returns errHasherReused if Sum
// has already been called.
func (h *Hasher) Write(b []byte) (int, error) {
	if h.done {
		return 0, errHasherReused
	}
	n, err := h.h.Write(b)
	h.n += int64(n)
	return n, err
}

// Sum finalizes the hash and returns the Digest of everything written so
// far. A Hasher must not be written to again afterwards.
func (h *Hasher) Sum() (Digest, error) {
	if h.done {
		return Digest{}, errHasherReused
	}
	h.done = true
	return Digest{Hash: fmt.Sprintf("%x", h.h.Sum(nil)), SizeBytes: h.n}, nil
}
