package stage

import (
	"fmt"
	"sort"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/buildboxgo/reapiclient/src/digest"
	"github.com/buildboxgo/reapiclient/src/merkle"
)

// DirectoryTree is a flattened tree as produced by merkle.ToTree: index 0
// is the root Directory, every other entry a descendant reachable by
// digest. Merge takes two of these (typically an action's input root and
// a "chroot template" overlaid on top) and produces one merged root.
type DirectoryTree []*repb.Directory

// node is the path-to-entity record buildFlattenedPath accumulates,
// grounded on MergeUtil's NodeMetaData hierarchy: one of file, symlink or
// dir is set.
type node struct {
	path         string
	isFile       bool
	isSymlink    bool
	isDir        bool
	digest        digest.Digest
	isExecutable  bool
	symlinkTarget string
}

// Merge combines inputTree and templateTree into one merged root digest,
// detecting path collisions exactly as MergeUtil::createMergedDigest does:
// same file path with a different digest or executable bit, or the same
// symlink name with a different target, is an error. Matching directory
// paths are accepted; any collision among their children surfaces when
// that subtree is walked. It returns the new root digest, the serialized
// Directory message of every directory in the merged tree (file contents
// are not included: the inputs carry file digests only),
// and the set of newly created directory digests — those present in the
// merged tree but in neither input — so a caller can upload only the delta.
func Merge(inputTree, templateTree DirectoryTree) (digest.Digest, []merkle.Blob, []digest.Digest, error) {
	if len(inputTree) == 0 && len(templateTree) == 0 {
		return digest.Digest{}, nil, nil, fmt.Errorf("stage: merge: both input trees are empty")
	}

	byDigest := map[digest.Digest]*repb.Directory{}
	existing := map[digest.Digest]bool{}
	addToDigestMap(byDigest, existing, inputTree)
	addToDigestMap(byDigest, existing, templateTree)

	paths := map[string]*node{}
	if len(inputTree) > 0 {
		if err := buildFlattenedPath(paths, inputTree[0], byDigest, ""); err != nil {
			return digest.Digest{}, nil, nil, err
		}
	}
	if len(templateTree) > 0 {
		if err := buildFlattenedPath(paths, templateTree[0], byDigest, ""); err != nil {
			return digest.Digest{}, nil, nil, err
		}
	}

	result := merkle.NewNestedDirectory()
	for _, key := range sortedNodeKeys(paths) {
		n := paths[key]
		switch {
		case n.isFile:
			result.AddFile(n.path, &merkle.File{Digest: n.digest, IsExecutable: n.isExecutable})
		case n.isSymlink:
			result.AddSymlink(n.path, n.symlinkTarget)
		case n.isDir:
			// Ensures empty directories survive the merge even if they
			// have no files or symlinks of their own.
			result.EnsureDir(n.path)
		}
	}

	flattened, err := merkle.ToDigest(result)
	if err != nil {
		return digest.Digest{}, nil, nil, err
	}

	var created []digest.Digest
	for _, b := range flattened.Blobs {
		if !existing[b.Digest] {
			created = append(created, b.Digest)
		}
	}
	return flattened.RootDigest, flattened.Blobs, created, nil
}

func addToDigestMap(byDigest map[digest.Digest]*repb.Directory, existing map[digest.Digest]bool, tree DirectoryTree) {
	for _, dir := range tree {
		data, err := proto.MarshalOptions{Deterministic: true}.Marshal(dir)
		if err != nil {
			continue
		}
		d := digest.Of(data)
		byDigest[d] = dir
		existing[d] = true
	}
}

// buildFlattenedPath recursively walks directory (reachable via byDigest
// for its descendants), recording one node per file, symlink and
// directory under dirName, and raising a collision error exactly as
// MergeUtil::buildFlattenedPath does.
func buildFlattenedPath(paths map[string]*node, directory *repb.Directory, byDigest map[digest.Digest]*repb.Directory, dirName string) error {
	for _, f := range directory.Files {
		newPath := genNewPath(dirName, f.Name)
		d := digest.FromProto(f.Digest)
		if existing, ok := paths[newPath]; ok {
			if !existing.isFile || existing.digest != d || existing.isExecutable != f.IsExecutable {
				return fmt.Errorf("stage: merge: file collision at %q", newPath)
			}
			continue
		}
		paths[newPath] = &node{path: newPath, isFile: true, digest: d, isExecutable: f.IsExecutable}
	}

	for _, s := range directory.Symlinks {
		newName := genNewPath(dirName, s.Name)
		if existing, ok := paths[newName]; ok {
			if !existing.isSymlink || existing.symlinkTarget != s.Target {
				return fmt.Errorf("stage: merge: symlink collision at %q -> %q", newName, s.Target)
			}
			continue
		}
		paths[newName] = &node{path: newName, isSymlink: true, symlinkTarget: s.Target}
	}

	for _, sub := range directory.Directories {
		newDirPath := genNewPath(dirName, sub.Name)
		// No collision check at this level: directories with the same
		// name are accepted, and any conflict in their contents is
		// caught when those children are walked below.
		if _, ok := paths[newDirPath]; !ok {
			paths[newDirPath] = &node{path: newDirPath, isDir: true}
		}

		d := digest.FromProto(sub.Digest)
		childDir, ok := byDigest[d]
		if !ok {
			return fmt.Errorf("stage: merge: missing directory blob for digest %s", d)
		}
		if err := buildFlattenedPath(paths, childDir, byDigest, newDirPath); err != nil {
			return err
		}
	}
	return nil
}

func genNewPath(dirName, name string) string {
	if dirName == "" {
		return name
	}
	return dirName + "/" + name
}

func sortedNodeKeys(m map[string]*node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
