// Package rpcretry implements the closure-based retry envelope the CAS
// client uses around its capabilities handshake and single-blob byte-stream
// uploads, and the log-stream writer around its Write, Commit and
// QueryWriteStatus calls, with the backoff curve and retry-delay handling
// the REAPI client needs. FindMissingBlobs, the batch RPCs and byte-stream
// reads are issued without it.
package rpcretry

import (
	"context"
	"math"
	"time"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultMax is the number of retry attempts made after the first try, used
// when a Policy doesn't set Max explicitly.
const DefaultMax = 3

// Policy configures a retry envelope's attempt budget and backoff curve.
type Policy struct {
	// Max is how many additional attempts are made after the first.
	Max int
	// Base is the first retry's delay; each subsequent delay is the prior
	// one multiplied by Factor.
	Base time.Duration
	// Factor is the exponential backoff multiplier. Defaults to 1.6,
	// matching grpc_retry's own BackoffExponential default curve.
	Factor float64
	// Codes is the set of status codes that make a failure retryable.
	// Defaults to {Unavailable}.
	Codes []codes.Code
}

// DefaultPolicy is used by Do when called without an explicit Policy.
var DefaultPolicy = Policy{
	Max:    DefaultMax,
	Base:   100 * time.Millisecond,
	Factor: 1.6,
	Codes:  []codes.Code{codes.Unavailable},
}

func (p Policy) withDefaults() Policy {
	if p.Max == 0 {
		p.Max = DefaultPolicy.Max
	}
	if p.Base == 0 {
		p.Base = DefaultPolicy.Base
	}
	if p.Factor == 0 {
		p.Factor = DefaultPolicy.Factor
	}
	if p.Codes == nil {
		p.Codes = DefaultPolicy.Codes
	}
	return p
}

func (p Policy) retryable(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	for _, c := range p.Codes {
		if s.Code() == c {
			return true
		}
	}
	return false
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	return time.Duration(d)
}

// MetadataAttacher is called before each attempt so the caller can attach
// per-attempt metadata (such as a retry count) to the outgoing context,
// mirroring grpc_retry's per-call metadata hooks.
type MetadataAttacher func(ctx context.Context, attempt int) context.Context

// Do runs f, retrying it according to policy when it returns a retryable
// status error. The first attempt is attempt 0. If attach is non-nil, it is
// called before every attempt (including the first) to annotate the
// context passed through to f.
//
// On the first failed attempt, Do inspects the returned status for a
// google.rpc.RetryInfo detail and, if present and positive, uses its RetryDelay as the
// wait before the next attempt instead of the computed backoff delay. This
// honours a server's explicit backpressure hint exactly once; subsequent
// attempts fall back to the policy's own curve since a stale hint from an
// earlier attempt shouldn't keep dictating pacing.
func Do(ctx context.Context, policy Policy, attach MetadataAttacher, f func(ctx context.Context) error) error {
	policy = policy.withDefaults()
	var lastErr error
	for attempt := 0; attempt <= policy.Max; attempt++ {
		callCtx := ctx
		if attach != nil {
			callCtx = attach(ctx, attempt)
		}
		err := f(callCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !policy.retryable(err) || attempt == policy.Max {
			break
		}
		wait := policy.delay(attempt)
		if attempt == 0 {
			if hint, ok := retryDelayHint(err); ok {
				wait = hint
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// retryDelayHint extracts a server-supplied RetryInfo.RetryDelay from a
// status error, if one is attached.
func retryDelayHint(err error) (time.Duration, bool) {
	s, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, d := range s.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok {
			if delay := ri.GetRetryDelay().AsDuration(); delay > 0 {
				return delay, true
			}
		}
	}
	return 0, false
}

// UnaryInterceptor builds a grpc.UnaryClientInterceptor applying policy at
// the channel level, for calls where retrying at Dial time (passing the
// interceptor as a grpc.DialOption) is enough
// and there's no need for the per-call control Do gives (skipping retry for
// a non-idempotent Write, honouring a retry-delay hint, attaching metadata).
func UnaryInterceptor(policy Policy) grpc.UnaryClientInterceptor {
	policy = policy.withDefaults()
	names := make([]grpc_retry.CallOption, 0, 2)
	names = append(names, grpc_retry.WithMax(uint(policy.Max)))
	names = append(names, grpc_retry.WithCodes(policy.Codes...))
	return grpc_retry.UnaryClientInterceptor(names...)
}
