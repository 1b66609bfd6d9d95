// Package runner implements the runner core described by
// buildboxcommon::Runner::main: read an Action, stage its input root,
// fork/exec its Command, capture declared outputs, and serialize the
// resulting ActionResult. It is a from-scratch Go port (there is no
// please equivalent of "fork a build action and capture its outputs"), but
// follows the surrounding module's conventions throughout: reapierr kinds
// for failures, gopkg.in/op/go-logging.v1 for logging, and the stage/
// digest/remote packages for every CAS interaction.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/dustin/go-humanize"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/buildboxgo/reapiclient/src/digest"
	"github.com/buildboxgo/reapiclient/src/reapierr"
	"github.com/buildboxgo/reapiclient/src/remote"
	"github.com/buildboxgo/reapiclient/src/stage"
)

var log = logging.MustGetLogger("runner")

// Client is the slice of *remote.Client the runner core needs: fetching
// the Command by digest and staging/capturing the input root. Narrowed to
// an interface so tests can supply a fake, the same pattern src/stage uses
// for its own uploader interface.
type Client interface {
	DownloadBlobBytes(ctx context.Context, d digest.Digest) ([]byte, error)
	UploadBlobs(ctx context.Context, blobs []remote.Blob, throwOnError bool) ([]remote.UploadResult, error)
	DownloadDirectory(ctx context.Context, root string, d digest.Digest) error
	UploadDirectory(ctx context.Context, req remote.UploadRequest) (remote.UploadDirectoryResult, error)
}

// Args is the runner's argument intake, matching the CLI surface described
// in spec §6 minus the CAS-connection flags (those build the Client that's
// passed in here; see tools/buildbox-runner for where that happens, which
// mirrors step 4 of the pipeline being performed before Run is called).
type Args struct {
	Client           Client
	ActionPath       string
	ActionResultPath string
	WorkspacePath    string
}

// Result is everything the caller needs to decide the process's own exit
// code: the ActionResult (nil if a signal cut the run short before any
// execution happened) and the signal number caught, if any.
type Result struct {
	ActionResult *pb.ActionResult
	Signal       int
}

// Run executes the full pipeline described by spec §4.9 against a single
// Action file, returning once the ActionResult has been written (or a
// signal made that unnecessary). A non-nil error means an early pipeline
// stage (reading the Action, fetching the Command, staging inputs) failed
// outright; per spec §7 these top-level stages log-and-exit rather than
// producing a failing ActionResult.
func Run(ctx context.Context, args Args) (*Result, error) {
	workerStart := time.Now()

	actionBytes, err := os.ReadFile(args.ActionPath)
	if err != nil {
		return nil, reapierr.Wrap(reapierr.Io, err, "reading action file "+args.ActionPath)
	}
	action := &pb.Action{}
	if err := proto.Unmarshal(actionBytes, action); err != nil {
		return nil, reapierr.Wrap(reapierr.InvalidArgument, err, "parsing action")
	}
	actionDigest := digest.Of(actionBytes)
	log.Infof("running action %s", actionDigest)

	sig := &signalFlag{}
	stopWatching := sig.watch()
	defer stopWatching()

	command, err := fetchCommand(ctx, args.Client, action.CommandDigest)
	if err != nil {
		return nil, err
	}

	if sig.isSet() {
		log.Infof("signal %d caught before execution began, exiting", sig.caught())
		return &Result{Signal: int(sig.caught())}, nil
	}

	dir, err := stageInputRoot(ctx, args, digest.FromProto(action.InputRootDigest))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := dir.Close(); err != nil {
			log.Warningf("error cleaning up stage directory: %s", err)
		}
	}()

	if err := createOutputDirectories(dir.Path(), command); err != nil {
		return nil, err
	}

	result := &pb.ActionResult{
		ExecutionMetadata: &pb.ExecutedActionMetadata{
			WorkerStartTimestamp: timestamppb.New(workerStart),
		},
	}
	executeAndStore(ctx, args.Client, dir, command, sig, result)

	result.ExecutionMetadata.WorkerCompletedTimestamp = timestamppb.New(time.Now())

	if args.ActionResultPath != "" {
		if err := writeActionResult(result, args.ActionResultPath); err != nil {
			return nil, err
		}
	}
	return &Result{ActionResult: result, Signal: int(sig.caught())}, nil
}

func fetchCommand(ctx context.Context, client Client, d *pb.Digest) (*pb.Command, error) {
	data, err := client.DownloadBlobBytes(ctx, digest.FromProto(d))
	if err != nil {
		return nil, fmt.Errorf("fetching command %s: %w", digest.FromProto(d), err)
	}
	command := &pb.Command{}
	if err := proto.Unmarshal(data, command); err != nil {
		return nil, reapierr.Wrap(reapierr.InvalidArgument, err, "parsing command")
	}
	return command, nil
}

func stageInputRoot(ctx context.Context, args Args, rootDigest digest.Digest) (stage.Directory, error) {
	base := args.WorkspacePath
	if base != "" {
		if err := os.MkdirAll(base, 0775); err != nil {
			return nil, reapierr.Wrap(reapierr.Io, err, "creating workspace directory")
		}
	}
	return stage.NewFallbackDirectory(ctx, args.Client, rootDigest, base)
}

// createOutputDirectories pre-creates the parent directory of every
// declared output file/directory, matching Runner::createOutputDirectories:
// an output nested under a path ("a/b/out.txt") needs "a/b" to exist before
// the command runs even though the command is what's meant to create the
// leaf itself.
func createOutputDirectories(root string, cmd *pb.Command) error {
	workingDir := filepath.Join(root, cmd.WorkingDirectory)
	declared := append(append([]string{}, cmd.OutputFiles...), cmd.OutputDirectories...)
	for _, out := range declared {
		if idx := strings.LastIndex(out, "/"); idx >= 0 {
			dir := filepath.Join(workingDir, out[:idx])
			if err := os.MkdirAll(dir, 0775); err != nil {
				return reapierr.Wrap(reapierr.Io, err, "creating output directory "+dir)
			}
		}
	}
	return nil
}

// executeAndStore forks the command, streams its stdout/stderr, uploads
// them, waits for completion (or kills the child if a signal arrived
// first), and populates result accordingly. Mirrors
// Runner::executeAndStore, split into Go's idiomatic goroutine-pair shape
// in place of fork()+select() (see pipes.go's doc comment).
func executeAndStore(ctx context.Context, client Client, dir stage.Directory, cmd *pb.Command, sig *signalFlag, result *pb.ActionResult) {
	if len(cmd.Arguments) == 0 {
		result.ExitCode = 126
		result.StderrRaw = []byte("command has no arguments\n")
		return
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		log.Errorf("creating stdout pipe: %s", err)
		result.ExitCode = 126
		return
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		log.Errorf("creating stderr pipe: %s", err)
		result.ExitCode = 126
		return
	}

	child := execCommand(cmd.Arguments[0], cmd.Arguments[1:]...)
	child.Dir = filepath.Join(dir.Path(), cmd.WorkingDirectory)
	child.Env = buildEnv(cmd.EnvironmentVariables)
	child.Stdout = stdoutW
	child.Stderr = stderrW

	result.ExecutionMetadata.ExecutionStartTimestamp = timestamppb.New(time.Now())

	if err := child.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		stdoutR.Close()
		stderrR.Close()
		log.Errorf("starting command: %s", err)
		result.ExitCode = int32(execStartExitCode(err))
		result.ExecutionMetadata.ExecutionCompletedTimestamp = timestamppb.New(time.Now())
		return
	}
	stdoutW.Close()
	stderrW.Close()

	var wg sync.WaitGroup
	var stdout, stderr []byte
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdout = drainPipe(stdoutR, os.Stdout, sig.isSet)
	}()
	go func() {
		defer wg.Done()
		stderr = drainPipe(stderrR, os.Stderr, sig.isSet)
	}()
	wg.Wait()
	stdoutR.Close()
	stderrR.Close()

	if !sig.isSet() {
		uploadOutputStreams(ctx, client, stdout, stderr, result)
	}

	exitCode, killed := waitForChild(child, sig)
	result.ExecutionMetadata.ExecutionCompletedTimestamp = timestamppb.New(time.Now())
	if killed {
		log.Infof("caught signal %d, killed child", sig.caught())
		return
	}
	result.ExitCode = int32(exitCode)

	if !sig.isSet() {
		if err := stage.CaptureAllOutputs(dir, cmd, result); err != nil {
			log.Errorf("capturing outputs: %s", err)
		}
	}
}

// waitForChild waits for cmd to exit, polling the signal flag on the side:
// Go retries EINTR inside Wait() transparently, so unlike the original's
// waitPidOrSignal loop there is nothing for us to observe there. Instead
// the wait runs on its own goroutine and a ticker checks for a caught
// signal, SIGKILLing the child and reaping it if one arrives first.
func waitForChild(cmd *exec.Cmd, sig *signalFlag) (exitCode int, killedBySignal bool) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-waitCh:
			return exitCodeFrom(cmd.ProcessState, err), false
		case <-ticker.C:
			if sig.isSet() {
				if cmd.Process != nil {
					cmd.Process.Kill()
				}
				<-waitCh
				return 128 + int(sig.caught()), true
			}
		}
	}
}

// exitCodeFrom translates a finished ProcessState into the Bash-style
// convention spec.md's wait semantics call for: WIFEXITED yields the exit
// code, WIFSIGNALED yields 128+termsig.
func exitCodeFrom(ps *os.ProcessState, waitErr error) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

// execStartExitCode maps a failed exec.Cmd.Start into the Bash convention
// for exec failures: 127 for "not found", 126 for "found but not
// executable", following spec.md's external-interfaces exit code table.
func execStartExitCode(err error) int {
	if errors.Is(err, os.ErrNotExist) {
		return 127
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.ENOEXEC) {
		return 126
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 126
}

func uploadOutputStreams(ctx context.Context, client Client, stdout, stderr []byte, result *pb.ActionResult) {
	stdoutDigest := digest.Of(stdout)
	stderrDigest := digest.Of(stderr)
	blobs := make([]remote.Blob, 0, 2)
	if !stdoutDigest.Empty() {
		blobs = append(blobs, remote.Blob{Digest: stdoutDigest, Data: stdout})
	}
	if !stderrDigest.Empty() {
		blobs = append(blobs, remote.Blob{Digest: stderrDigest, Data: stderr})
	}
	if len(blobs) == 0 {
		return
	}
	if _, err := client.UploadBlobs(ctx, blobs, true); err != nil {
		log.Errorf("failed to upload stdout/stderr: %s", err)
		return
	}
	result.StdoutDigest = stdoutDigest.Proto()
	result.StderrDigest = stderrDigest.Proto()
	log.Debugf("uploaded stdout (%s) and stderr (%s)",
		humanize.Bytes(uint64(len(stdout))), humanize.Bytes(uint64(len(stderr))))
}

func writeActionResult(result *pb.ActionResult, path string) error {
	data, err := proto.Marshal(result)
	if err != nil {
		return reapierr.Wrap(reapierr.Io, err, "serializing action result")
	}
	if err := os.WriteFile(path, data, 0664); err != nil {
		return reapierr.Wrap(reapierr.Io, err, "writing action result to "+path)
	}
	return nil
}

// buildEnv inverts remote/action.go's buildEnv: the wire format is a slice
// of name/value pairs, sorted, that exec.Cmd wants flattened into
// "NAME=VALUE" strings.
func buildEnv(vars []*pb.Command_EnvironmentVariable) []string {
	sorted := append([]*pb.Command_EnvironmentVariable{}, vars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	env := make([]string, len(sorted))
	for i, v := range sorted {
		env[i] = v.Name + "=" + v.Value
	}
	return env
}
