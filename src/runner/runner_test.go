package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/buildboxgo/reapiclient/src/digest"
	"github.com/buildboxgo/reapiclient/src/remote"
)

// fakeClient is an in-memory Client: DownloadBlobBytes serves from a map
// keyed by digest, UploadBlobs just records what it was given, and
// DownloadDirectory/UploadDirectory are no-ops since these tests stage an
// input root with no declared files.
type fakeClient struct {
	blobs    map[digest.Digest][]byte
	uploaded []remote.Blob
}

func newFakeClient() *fakeClient {
	return &fakeClient{blobs: map[digest.Digest][]byte{}}
}

func (c *fakeClient) put(data []byte) digest.Digest {
	d := digest.Of(data)
	c.blobs[d] = data
	return d
}

func (c *fakeClient) DownloadBlobBytes(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, ok := c.blobs[d]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (c *fakeClient) UploadBlobs(ctx context.Context, blobs []remote.Blob, throwOnError bool) ([]remote.UploadResult, error) {
	c.uploaded = append(c.uploaded, blobs...)
	results := make([]remote.UploadResult, len(blobs))
	for i, b := range blobs {
		results[i] = remote.UploadResult{Digest: b.Digest}
	}
	return results, nil
}

func (c *fakeClient) DownloadDirectory(ctx context.Context, root string, d digest.Digest) error {
	return os.MkdirAll(root, 0775)
}

func (c *fakeClient) UploadDirectory(ctx context.Context, req remote.UploadRequest) (remote.UploadDirectoryResult, error) {
	return remote.UploadDirectoryResult{}, nil
}

func writeAction(t *testing.T, dir string, action *pb.Action) string {
	t.Helper()
	data, err := proto.Marshal(action)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "action")
	if err := os.WriteFile(path, data, 0664); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunExecutesCommandAndCapturesOutput(t *testing.T) {
	digest.SetFunction(digest.SHA256)
	client := newFakeClient()

	command := &pb.Command{Arguments: []string{"/bin/echo", "hello from the runner"}}
	commandData, err := proto.Marshal(command)
	if err != nil {
		t.Fatal(err)
	}
	commandDigest := client.put(commandData)

	action := &pb.Action{CommandDigest: commandDigest.Proto(), InputRootDigest: digest.Digest{}.Proto()}
	tmp := t.TempDir()
	actionPath := writeAction(t, tmp, action)
	resultPath := filepath.Join(tmp, "result")

	result, err := Run(context.Background(), Args{
		Client:           client,
		ActionPath:       actionPath,
		ActionResultPath: resultPath,
		WorkspacePath:    filepath.Join(tmp, "workspace"),
	})
	if err != nil {
		t.Fatalf("Run returned error: %s", err)
	}
	if result.Signal != 0 {
		t.Fatalf("unexpected signal %d", result.Signal)
	}
	if result.ActionResult.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ActionResult.ExitCode)
	}
	if result.ActionResult.StdoutDigest == nil {
		t.Fatal("expected a stdout digest to be recorded")
	}
	want := digest.Of([]byte("hello from the runner\n"))
	if result.ActionResult.StdoutDigest.Hash != want.Hash {
		t.Fatalf("stdout digest = %s, want %s", result.ActionResult.StdoutDigest.Hash, want.Hash)
	}

	written, err := os.ReadFile(resultPath)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk pb.ActionResult
	if err := proto.Unmarshal(written, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.ExitCode != 0 {
		t.Fatalf("on-disk exit code = %d, want 0", onDisk.ExitCode)
	}
}

func TestRunSurfacesNonZeroExitCode(t *testing.T) {
	digest.SetFunction(digest.SHA256)
	client := newFakeClient()

	command := &pb.Command{Arguments: []string{"/bin/sh", "-c", "exit 3"}}
	commandData, _ := proto.Marshal(command)
	commandDigest := client.put(commandData)
	action := &pb.Action{CommandDigest: commandDigest.Proto(), InputRootDigest: digest.Digest{}.Proto()}

	tmp := t.TempDir()
	actionPath := writeAction(t, tmp, action)

	result, err := Run(context.Background(), Args{
		Client:        client,
		ActionPath:    actionPath,
		WorkspacePath: filepath.Join(tmp, "workspace"),
	})
	if err != nil {
		t.Fatalf("Run returned error: %s", err)
	}
	if result.ActionResult.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ActionResult.ExitCode)
	}
}

func TestExitCodeFromSignaled(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "kill -TERM $$")
	if err := cmd.Run(); err == nil {
		t.Fatal("expected the child to die from a signal")
	}
	got := exitCodeFrom(cmd.ProcessState, nil)
	if got != 128+int(syscall.SIGTERM) {
		t.Fatalf("exitCodeFrom = %d, want %d", got, 128+int(syscall.SIGTERM))
	}
}

func TestExecStartExitCodeNotFound(t *testing.T) {
	cmd := exec.Command("/no/such/binary-xyz")
	err := cmd.Start()
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	if got := execStartExitCode(err); got != 127 {
		t.Fatalf("execStartExitCode = %d, want 127", got)
	}
}

func TestBuildEnvSortsByName(t *testing.T) {
	env := buildEnv([]*pb.Command_EnvironmentVariable{
		{Name: "ZEBRA", Value: "1"},
		{Name: "APPLE", Value: "2"},
	})
	if len(env) != 2 || env[0] != "APPLE=2" || env[1] != "ZEBRA=1" {
		t.Fatalf("buildEnv = %v", env)
	}
}

func TestCreateOutputDirectoriesPreCreatesParents(t *testing.T) {
	root := t.TempDir()
	cmd := &pb.Command{
		OutputFiles:       []string{"a/b/out.txt"},
		OutputDirectories: []string{"c/d"},
	}
	if err := createOutputDirectories(root, cmd); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(filepath.Join(root, "a", "b")); err != nil || !info.IsDir() {
		t.Fatalf("expected a/b to exist as a directory: %v", err)
	}
	if info, err := os.Stat(filepath.Join(root, "c")); err != nil || !info.IsDir() {
		t.Fatalf("expected c (parent of output directory c/d) to exist as a directory: %v", err)
	}
}
