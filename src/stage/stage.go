// Package stage provides a staged input-root directory for a runner: a
// working tree checked out from the CAS, plus the capture logic that walks
// a Command's declared outputs back into an ActionResult once the action
// has run. Grounded on buildbox-common's FallbackStagedDirectory: this
// module carries none of the duplex CaptureTree/CaptureFiles/Stage RPCs
// LocalCasStagedDirectory defers to (no protos for that buildgrid
// extension exist anywhere in this module's dependency surface), so there
// is exactly one Directory implementation rather than a choice between a
// real one and a scratch-copy that merely dresses up as a distinct
// strategy.
package stage

import (
	"fmt"
	"path/filepath"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/buildboxgo/reapiclient/src/reapierr"
)

// Directory is a staged input root: a place on disk holding an Action's
// input files, ready for the runner to execute a Command against.
type Directory interface {
	// Path returns the absolute filesystem path of the stage root.
	Path() string
	// CaptureFile captures the file at relativePath (relative to the
	// stage root) as an OutputFile. If the path does not exist it
	// returns a zero-value OutputFile (Path == "") and a nil error,
	// matching the REAPI convention that a missing declared output is
	// not itself an execution error.
	CaptureFile(relativePath string, captureMtime bool) (*pb.OutputFile, error)
	// CaptureDirectory captures the directory at relativePath as an
	// OutputDirectory (tree digest), recording captureProperties (e.g.
	// "mtime") against every file in the tree. Same missing-path
	// convention as CaptureFile.
	CaptureDirectory(relativePath string, captureProperties []string) (*pb.OutputDirectory, error)
	// Close recursively removes the scratch directory staged under Path.
	Close() error
}

// CaptureAllOutputs walks a Command's declared output_files and
// output_directories, validates each against the input root, and
// populates result with the captured OutputFile/OutputDirectory entries.
// It is a free function rather than a StagedDirectory method (per the
// sum-type design: Directory has no common base implementation to hang
// this off), ported from buildboxcommon::StagedDirectory::captureAllOutputs.
func CaptureAllOutputs(dir Directory, cmd *pb.Command, result *pb.ActionResult) error {
	basePath, err := workingDirectoryPrefix(cmd.WorkingDirectory)
	if err != nil {
		return err
	}

	for _, name := range cmd.OutputFiles {
		normalized, err := normalizedOutputPath(basePath, name)
		if err != nil {
			return err
		}
		outputFile, err := dir.CaptureFile(normalized, hasMtimeProperty(cmd))
		if err != nil {
			return err
		}
		if outputFile != nil && outputFile.Path != "" {
			outputFile.Path = name
			result.OutputFiles = append(result.OutputFiles, outputFile)
		}
	}

	for _, name := range cmd.OutputDirectories {
		normalized, err := normalizedOutputPath(basePath, name)
		if err != nil {
			return err
		}
		outputDir, err := dir.CaptureDirectory(normalized, cmd.OutputNodeProperties)
		if err != nil {
			return err
		}
		if outputDir != nil && outputDir.Path != "" {
			outputDir.Path = name
			result.OutputDirectories = append(result.OutputDirectories, outputDir)
		}
	}
	return nil
}

func hasMtimeProperty(cmd *pb.Command) bool {
	for _, p := range cmd.OutputNodeProperties {
		if p == "mtime" {
			return true
		}
	}
	return false
}

// workingDirectoryPrefix validates Command.working_directory and returns
// the normalized, trailing-slash-terminated prefix that output paths are
// joined against (empty prefix if working_directory is empty, so relative
// paths don't pick up a spurious leading slash).
func workingDirectoryPrefix(workingDir string) (string, error) {
	if workingDir == "" {
		return "", nil
	}
	normalized := filepath.Clean(workingDir)
	if filepath.IsAbs(normalized) {
		return "", reapierr.New(reapierr.InvalidArgument,
			fmt.Sprintf("working_directory must be relative, got %q", workingDir))
	}
	if normalized == ".." || strings.HasPrefix(normalized, "../") {
		return "", reapierr.New(reapierr.InvalidArgument,
			fmt.Sprintf("working_directory escapes the input root: %q", workingDir))
	}
	if normalized == "." {
		return "", nil
	}
	return normalized + "/", nil
}

// normalizedOutputPath validates one output_files/output_directories entry
// and returns its path joined with basePath and normalized, ready to pass
// to a Directory's Capture methods.
func normalizedOutputPath(basePath, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return "", reapierr.New(reapierr.InvalidArgument,
			fmt.Sprintf("output path must be relative with no leading or trailing slash: %q", name))
	}
	joined := filepath.Clean(basePath + name)
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return "", reapierr.New(reapierr.InvalidArgument,
			fmt.Sprintf("output path escapes the input root: %q", name))
	}
	return joined, nil
}
