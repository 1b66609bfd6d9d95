package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/buildboxgo/reapiclient/src/digest"
	"github.com/buildboxgo/reapiclient/src/reapierr"
	"github.com/buildboxgo/reapiclient/src/remote"
)

// uploader is the slice of *remote.Client that fallback staging needs; kept
// narrow so tests can supply a fake.
type uploader interface {
	DownloadDirectory(ctx context.Context, root string, d digest.Digest) error
	UploadDirectory(ctx context.Context, req remote.UploadRequest) (remote.UploadDirectoryResult, error)
	DownloadBlobBytes(ctx context.Context, d digest.Digest) ([]byte, error)
	UploadBlobs(ctx context.Context, blobs []remote.Blob, throwOnError bool) ([]remote.UploadResult, error)
}

// FallbackDirectory stages by downloading the whole input tree into a
// scratch directory up front, then serving captures straight off disk,
// grounded on FallbackStagedDirectory: no server-side staging support is
// assumed of the CAS.
type FallbackDirectory struct {
	client uploader
	path   string
	rootFd int
}

// NewFallbackDirectory creates a scratch directory under base (process
// TMPDIR if base is empty), downloads rootDigest's tree into it, and opens
// an O_DIRECTORY descriptor used to bound every later capture beneath the
// root.
func NewFallbackDirectory(ctx context.Context, client uploader, rootDigest digest.Digest, base string) (*FallbackDirectory, error) {
	path, err := os.MkdirTemp(base, "buildboxrun")
	if err != nil {
		return nil, reapierr.Wrap(reapierr.Io, err, "creating stage directory")
	}
	fd, err := unix.Open(path, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		os.RemoveAll(path)
		return nil, reapierr.Wrap(reapierr.Io, err, "opening stage directory")
	}
	if err := client.DownloadDirectory(ctx, path, rootDigest); err != nil {
		unix.Close(fd)
		os.RemoveAll(path)
		return nil, err
	}
	return &FallbackDirectory{client: client, path: path, rootFd: fd}, nil
}

// Path implements Directory.
func (d *FallbackDirectory) Path() string { return d.path }

// Close implements Directory: closes the bounding descriptor and removes
// the scratch tree.
func (d *FallbackDirectory) Close() error {
	unix.Close(d.rootFd)
	return os.RemoveAll(d.path)
}

// CaptureFile implements Directory.
func (d *FallbackDirectory) CaptureFile(relativePath string, captureMtime bool) (*pb.OutputFile, error) {
	return captureFile(d.client, d.rootFd, d.path, relativePath, captureMtime)
}

// CaptureDirectory implements Directory.
func (d *FallbackDirectory) CaptureDirectory(relativePath string, captureProperties []string) (*pb.OutputDirectory, error) {
	return captureDirectory(d.client, d.rootFd, d.path, relativePath, captureProperties)
}

// captureFile reads relativePath off the staged scratch tree, uploads its
// content, and builds the resulting OutputFile.
func captureFile(client uploader, rootFd int, root, relativePath string, captureMtime bool) (*pb.OutputFile, error) {
	f, info, err := openInInputRoot(rootFd, root, relativePath)
	if os.IsNotExist(err) {
		return &pb.OutputFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, reapierr.Wrap(reapierr.Io, err, "reading "+relativePath)
	}
	dgst := digest.Of(data)
	if _, err := client.UploadBlobs(context.Background(), []remote.Blob{{Digest: dgst, Data: data}}, true); err != nil {
		return nil, err
	}

	out := &pb.OutputFile{
		Path:         relativePath,
		Digest:       dgst.Proto(),
		IsExecutable: info.Mode()&0o111 != 0,
	}
	if captureMtime {
		out.NodeProperties = &pb.NodeProperties{
			Mtime: timestamppb.New(info.ModTime()),
		}
	}
	return out, nil
}

func captureDirectory(client uploader, rootFd int, root, relativePath string, captureProperties []string) (*pb.OutputDirectory, error) {
	abs := filepath.Join(root, relativePath)
	if !pathExists(abs) {
		return &pb.OutputDirectory{}, nil
	}
	if err := checkNoEscapingSymlink(rootFd, relativePath); err != nil {
		if os.IsNotExist(err) {
			return &pb.OutputDirectory{}, nil
		}
		return nil, err
	}

	result, err := client.UploadDirectory(context.Background(), remote.UploadRequest{
		Path:              abs,
		CaptureProperties: captureProperties,
	})
	if err != nil {
		return nil, err
	}
	return &pb.OutputDirectory{
		Path:       relativePath,
		TreeDigest: result.TreeDigest.Proto(),
	}, nil
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// openInInputRoot opens relativePath beneath root (bounded by rootFd),
// refusing to follow any path component that is a symlink, wherever it
// points, matching StagedDirectoryUtils::openFileInInputRoot. Go has no
// portable O_NOFOLLOW-all-components primitive, so this walks the path
// component by component with unix.Openat and O_NOFOLLOW on every
// element, including the final one.
func openInInputRoot(rootFd int, root, relativePath string) (*os.File, os.FileInfo, error) {
	clean := filepath.Clean(relativePath)
	if clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
		return nil, nil, os.ErrNotExist
	}
	parts := strings.Split(clean, string(filepath.Separator))
	fd := rootFd
	opened := false
	defer func() {
		if opened && fd != rootFd {
			unix.Close(fd)
		}
	}()

	for i, part := range parts {
		last := i == len(parts)-1
		flags := unix.O_RDONLY | unix.O_NOFOLLOW
		if !last {
			flags |= unix.O_DIRECTORY
		}
		next, err := unix.Openat(fd, part, flags, 0)
		if opened && fd != rootFd {
			unix.Close(fd)
		}
		if err != nil {
			return nil, nil, os.ErrNotExist
		}
		fd = next
		opened = true
	}

	f := os.NewFile(uintptr(fd), filepath.Join(root, clean))
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// checkNoEscapingSymlink verifies every component of relativePath,
// including the final element, is a real directory, not a symlink,
// matching StagedDirectoryUtils::directoryInInputRoot.
func checkNoEscapingSymlink(rootFd int, relativePath string) error {
	clean := filepath.Clean(relativePath)
	if clean == "." || clean == "" {
		return nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
		return fmt.Errorf("path escapes input root: %s", relativePath)
	}
	parts := strings.Split(clean, string(filepath.Separator))
	fd := rootFd
	closePrev := false
	for _, part := range parts {
		next, err := unix.Openat(fd, part, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
		if closePrev {
			unix.Close(fd)
		}
		if err != nil {
			return os.ErrNotExist
		}
		fd = next
		closePrev = true
	}
	unix.Close(fd)
	return nil
}
