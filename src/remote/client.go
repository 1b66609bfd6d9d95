// Package remote is the content-addressable-storage client: the handshake,
// byte-stream and batch RPCs, and directory upload/download, built the way
// src/remote.Client wires the same RPCs for please's build cache but
// generalized from a please-coupled build client into a standalone CAS
// client.
package remote

import (
	"context"
	"fmt"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/google/uuid"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"gopkg.in/op/go-logging.v1"

	"github.com/buildboxgo/reapiclient/src/digest"
	"github.com/buildboxgo/reapiclient/src/rpcretry"
)

var log = logging.MustGetLogger("remote")

// DialTimeout bounds the initial connection and capabilities handshake.
const DialTimeout = 5 * time.Second

// DefaultRequestTimeout bounds each individual CAS RPC unless the caller's
// context already carries a deadline.
const DefaultRequestTimeout = 2 * time.Minute

// defaultMaxBatchSize is used when a server's capabilities response leaves
// MaxBatchTotalSizeBytes unset, matching src/remote.Client.init's fallback:
// gRPC's own default message-size ceiling is 4MB, so we stay a little under
// it to leave room for request framing overhead.
const defaultMaxBatchSize = 4000000

// apiVersion is the Remote Execution API version this client speaks.
var apiVersion = semver.SemVer{Major: 2}

// Client is the CAS client. It owns one gRPC channel and is safe for
// concurrent use once New has returned successfully.
type Client struct {
	conn          *grpc.ClientConn
	storageClient pb.ContentAddressableStorageClient
	bsClient      bs.ByteStreamClient
	capClient     pb.CapabilitiesClient

	instance    string
	retryPolicy rpcretry.Policy

	// uuid is generated once, here, and reused for every upload resource
	// name this client builds: the protocol needs a fresh UUID per
	// client instance, not per upload. See writeResourceName.
	uuid uuid.UUID

	maxBlobBatchSize int64
	canBatchReads    bool
	cacheWritable    bool

	reqTimeout time.Duration

	metrics           *clientMetrics
	metricsGatewayURL string

	compress bool
}

// Options configures a new Client.
type Options struct {
	// Address is the server's "host:port" for grpc.Dial.
	Address string
	// Instance is the REAPI instance name, often empty.
	Instance string
	// Insecure disables transport security. Non-goal to manage TLS
	// material beyond accepting this flag; callers needing custom
	// credentials should use DialOptions instead.
	Insecure bool
	// DialOptions are appended after this package's own defaults, letting
	// a caller add TLS credentials, a token, or other interceptors.
	DialOptions []grpc.DialOption
	// RetryPolicy overrides rpcretry.DefaultPolicy for every RPC this
	// client issues.
	RetryPolicy rpcretry.Policy
	// RequestTimeout overrides DefaultRequestTimeout.
	RequestTimeout time.Duration
	// MetricsGatewayURL, if set, is a Prometheus pushgateway this client
	// pushes transfer-byte and retry counters to on Close.
	MetricsGatewayURL string
	// Compress enables the byte-stream path's optional zstd-compressed
	// resource-name variant (compressed-blobs/zstd/...) for single-blob
	// uploads and downloads. Batch RPCs are unaffected: REAPI's
	// BatchUpdateBlobs/BatchReadBlobs carry raw bytes only.
	Compress bool
}

// New dials addr and performs the capabilities handshake, choosing a digest
// function and the effective batch size before returning. This mirrors
// src/remote.Client.init, but runs synchronously: the client is either
// ready or New returns the error, rather than deferring failure discovery
// to the first call.
func New(ctx context.Context, opts Options) (*Client, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("remote: generating client uuid: %w", err)
	}
	c := &Client{
		instance:          opts.Instance,
		retryPolicy:       opts.RetryPolicy,
		reqTimeout:        opts.RequestTimeout,
		metrics:           newClientMetrics(),
		metricsGatewayURL: opts.MetricsGatewayURL,
		compress:          opts.Compress,
		uuid:              u,
	}
	if c.reqTimeout == 0 {
		c.reqTimeout = DefaultRequestTimeout
	}
	dialOpts := append([]grpc.DialOption{}, opts.DialOptions...)
	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithInsecure())
	}
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("remote: dialing %s: %w", opts.Address, err)
	}
	c.conn = conn
	c.storageClient = pb.NewContentAddressableStorageClient(conn)
	c.bsClient = bs.NewByteStreamClient(conn)
	c.capClient = pb.NewCapabilitiesClient(conn)

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	var resp *pb.ServerCapabilities
	err := rpcretry.Do(ctx, c.retryPolicy, nil, func(ctx context.Context) error {
		capCtx, cancel := context.WithTimeout(ctx, DialTimeout)
		defer cancel()
		r, err := c.capClient.GetCapabilities(capCtx, &pb.GetCapabilitiesRequest{InstanceName: c.instance})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if isUnimplemented(err) {
		log.Debug("GetCapabilities unimplemented, proceeding with conservative defaults")
		c.maxBlobBatchSize = defaultMaxBatchSize
		c.canBatchReads = c.checkBatchReadBlobs(ctx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("remote: fetching capabilities: %w", err)
	}
	if lessThan(&apiVersion, resp.LowApiVersion) || lessThan(resp.HighApiVersion, &apiVersion) {
		return fmt.Errorf("remote: unsupported API version; need %s, server supports %s-%s",
			printVer(&apiVersion), printVer(resp.LowApiVersion), printVer(resp.HighApiVersion))
	}
	caps := resp.CacheCapabilities
	if caps == nil {
		return fmt.Errorf("remote: server advertises no cache capabilities")
	}
	if err := chooseDigestFunction(caps.DigestFunction); err != nil {
		return err
	}
	if caps.ActionCacheUpdateCapabilities != nil {
		c.cacheWritable = caps.ActionCacheUpdateCapabilities.UpdateEnabled
	}
	// A server advertising a larger batch size than our safe internal
	// default is not adopted outright: the default exists to stay clear
	// of the real gRPC per-message cap, so only a *smaller* server value
	// should override it.
	c.maxBlobBatchSize = defaultMaxBatchSize
	if caps.MaxBatchTotalSizeBytes != 0 && caps.MaxBatchTotalSizeBytes < c.maxBlobBatchSize {
		c.maxBlobBatchSize = caps.MaxBatchTotalSizeBytes
	}
	c.canBatchReads = c.checkBatchReadBlobs(ctx)
	log.Debug("CAS client initialised: instance=%q maxBatchSize=%d canBatchReads=%v", c.instance, c.maxBlobBatchSize, c.canBatchReads)
	return nil
}

// chooseDigestFunction fixes the process-wide digest function to the first
// one both this client (which only supports the REAPI-standard five) and
// the server advertise, generalizing src/remote.Client.chooseDigest's
// single-configured-function comparison into "pick the first mutually
// understood one" since this client has no static config file to read a
// preference from.
func chooseDigestFunction(fns []pb.DigestFunction_Value) error {
	for _, fn := range fns {
		if f, ok := digest.FromProto(fn); ok {
			digest.SetFunction(f)
			return nil
		}
	}
	return fmt.Errorf("remote: no mutually supported digest function; server offers %v", fns)
}

// checkBatchReadBlobs probes whether BatchReadBlobs is implemented, since
// some servers (e.g. buildbarn) don't support it, mirroring
// src/remote.Client.checkBatchReadBlobs.
func (c *Client) checkBatchReadBlobs(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	_, err := c.storageClient.BatchReadBlobs(probeCtx, &pb.BatchReadBlobsRequest{InstanceName: c.instance})
	return !isUnimplemented(err)
}

// Close pushes any accumulated metrics and tears down the underlying
// channel.
func (c *Client) Close() error {
	c.pushMetrics()
	return c.conn.Close()
}

// Instance returns the REAPI instance name this client was configured with.
func (c *Client) Instance() string {
	return c.instance
}

// MaxBatchSize returns the effective batch-size ceiling negotiated during
// the handshake.
func (c *Client) MaxBatchSize() int64 {
	return c.maxBlobBatchSize
}

func lessThan(a, b *semver.SemVer) bool {
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	if a.Minor != b.Minor {
		return a.Minor < b.Minor
	}
	if a.Patch != b.Patch {
		return a.Patch < b.Patch
	}
	return a.Prerelease < b.Prerelease
}

func printVer(v *semver.SemVer) string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Prerelease)
}
