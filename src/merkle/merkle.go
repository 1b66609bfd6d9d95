// Package merkle builds the Merkle tree of Directory messages that REAPI
// uses to describe an action's input root, the way src/remote.digestDir
// walks a build target's output tree, but against an in-memory model
// instead of directly emitting blobs as it goes.
package merkle

import (
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/karrick/godirwalk"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/buildboxgo/reapiclient/src/digest"
)

// A File is a single regular file's content, either already resident in
// memory (Data) or still only known by its filesystem Path so the caller
// can decide when to read it.
type File struct {
	Digest       digest.Digest
	Data         []byte
	Path         string
	IsExecutable bool
	// Mtime is the source file's modification time, populated only when
	// "mtime" is requested via MakeNestedDirectory's captureProperties.
	// A zero value means mtime wasn't captured for this File.
	Mtime time.Time
}

// NestedDirectory is the in-memory, build-time form of a Merkle subtree:
// child directories and files keyed by their immediate name. It exists
// because wire Directory messages can't hold unfinished subtrees (every
// DirectoryNode must already carry its child's digest), so input trees are
// assembled here first and flattened to wire form only once complete.
type NestedDirectory struct {
	Files       map[string]*File
	Directories map[string]*NestedDirectory
	Symlinks    map[string]string
}

// NewNestedDirectory returns an empty NestedDirectory ready to populate.
func NewNestedDirectory() *NestedDirectory {
	return &NestedDirectory{
		Files:       map[string]*File{},
		Directories: map[string]*NestedDirectory{},
		Symlinks:    map[string]string{},
	}
}

// dirAt returns the child NestedDirectory for name, creating it (and any
// pre-existing entries of other kinds are left as an error for the caller
// that populates it) if absent.
func (n *NestedDirectory) dirAt(name string) *NestedDirectory {
	d, ok := n.Directories[name]
	if !ok {
		d = NewNestedDirectory()
		n.Directories[name] = d
	}
	return d
}

// AddFile inserts a file at a slash-separated relative path, creating any
// intermediate directories.
func (n *NestedDirectory) AddFile(relPath string, f *File) {
	dir, base := path.Split(path.Clean(relPath))
	cur := n
	for _, part := range splitNonEmpty(dir) {
		cur = cur.dirAt(part)
	}
	cur.Files[base] = f
}

// AddSymlink inserts a symlink at a slash-separated relative path pointing
// at target, creating any intermediate directories.
func (n *NestedDirectory) AddSymlink(relPath, target string) {
	dir, base := path.Split(path.Clean(relPath))
	cur := n
	for _, part := range splitNonEmpty(dir) {
		cur = cur.dirAt(part)
	}
	cur.Symlinks[base] = target
}

// EnsureDir makes sure a (possibly empty) directory exists at a
// slash-separated relative path, creating any intermediate directories.
// Used by callers (e.g. stage.Merge) that need to record a directory node
// with no files or symlinks of its own.
func (n *NestedDirectory) EnsureDir(relPath string) {
	cur := n
	for _, part := range splitNonEmpty(relPath) {
		cur = cur.dirAt(part)
	}
}

func splitNonEmpty(dir string) []string {
	dir = path.Clean(dir)
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	var parts []string
	for _, p := range splitAll(dir) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func splitAll(p string) []string {
	var out []string
	for {
		dir, base := path.Split(p)
		if base != "" {
			out = append([]string{base}, out...)
		}
		dir = path.Clean(dir)
		if dir == p || dir == "." || dir == "/" {
			break
		}
		p = dir
	}
	return out
}

// MakeNestedDirectory walks the filesystem tree rooted at rootPath and
// builds a NestedDirectory mirroring it, reading each regular file's
// content into memory. It is built on godirwalk the same way
// src/fs.Walk is, since that package already gives us platform-correct
// directory-entry typing without an extra Lstat per entry.
//
// If followSymlinks is true, a symlink is treated as whatever it resolves
// to (a directory symlink is recursed into, a file symlink is hashed as a
// regular file) rather than recorded as a SymlinkNode; this is delegated
// to godirwalk's own FollowSymbolicLinks option rather than re-implemented
// here, since it already resolves dirent types through the link before our
// callback ever sees them.
//
// captureProperties gates which optional per-file metadata gets recorded;
// currently only "mtime" is recognised, matching Command.OutputNodeProperties
// in the REAPI wire format this module otherwise follows.
func MakeNestedDirectory(rootPath string, followSymlinks bool, captureProperties []string) (*NestedDirectory, error) {
	root := NewNestedDirectory()
	captureMtime := hasProperty(captureProperties, "mtime")
	err := godirwalk.Walk(rootPath, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if osPathname == rootPath {
				return nil
			}
			rel, err := relPath(rootPath, osPathname)
			if err != nil {
				return err
			}
			switch {
			case de.IsDir():
				dir, base := path.Split(rel)
				cur := root
				for _, part := range splitNonEmpty(dir) {
					cur = cur.dirAt(part)
				}
				cur.dirAt(base)
			case de.IsSymlink():
				target, err := os.Readlink(osPathname)
				if err != nil {
					return err
				}
				root.AddSymlink(rel, target)
			default:
				info, err := os.Lstat(osPathname)
				if err != nil {
					return err
				}
				data, err := os.ReadFile(osPathname)
				if err != nil {
					return err
				}
				f := &File{
					Data:         data,
					Digest:       digest.Of(data),
					IsExecutable: info.Mode()&0o111 != 0,
				}
				if captureMtime {
					f.Mtime = info.ModTime()
				}
				root.AddFile(rel, f)
			}
			return nil
		},
		FollowSymbolicLinks: followSymlinks,
		Unsorted:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("merkle: walking %s: %w", rootPath, err)
	}
	return root, nil
}

func hasProperty(props []string, name string) bool {
	for _, p := range props {
		if p == name {
			return true
		}
	}
	return false
}

func relPath(root, full string) (string, error) {
	if len(full) < len(root) {
		return "", fmt.Errorf("merkle: %s is not under %s", full, root)
	}
	rel := full[len(root):]
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	return rel, nil
}

// Blob is a single digested wire message produced while flattening a
// NestedDirectory, ready to be uploaded to the CAS.
type Blob struct {
	Digest digest.Digest
	Data   []byte
}

// Flattened is the result of turning a NestedDirectory into wire form: the
// root Directory's digest, and every Directory and file blob that needs to
// exist in the CAS for the tree to be fetchable.
type Flattened struct {
	RootDigest digest.Digest
	Blobs      []Blob
}

// ToDigest flattens n into wire Directory messages, computing every node's
// digest bottom-up and returning the root digest plus every blob (file
// contents and Directory messages alike) the caller must ensure is present
// in the CAS. This mirrors src/remote.dirBuilder.dfs's recursive,
// sort-before-serialize traversal.
func ToDigest(n *NestedDirectory) (Flattened, error) {
	var blobs []Blob
	_, rootDigest, err := dfs(n, &blobs, nil)
	if err != nil {
		return Flattened{}, err
	}
	return Flattened{RootDigest: rootDigest, Blobs: blobs}, nil
}

// dfs recursively serializes n bottom-up, appending every file and
// Directory blob it produces to blobs, and, if descendants is non-nil,
// every Directory proto below the root to descendants (used by ToTree).
// It returns the node's own Directory proto and digest.
func dfs(n *NestedDirectory, blobs *[]Blob, descendants *[]*repb.Directory) (*repb.Directory, digest.Digest, error) {
	dir := &repb.Directory{}

	for _, name := range sortedKeys(n.Directories) {
		childDir, childDigest, err := dfs(n.Directories[name], blobs, descendants)
		if err != nil {
			return nil, digest.Digest{}, err
		}
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{
			Name:   name,
			Digest: childDigest.Proto(),
		})
		if descendants != nil {
			*descendants = append(*descendants, childDir)
		}
	}

	for _, name := range sortedKeys(n.Files) {
		f := n.Files[name]
		if f.Data != nil && f.Digest == (digest.Digest{}) {
			f.Digest = digest.Of(f.Data)
		}
		fileNode := &repb.FileNode{
			Name:         name,
			Digest:       f.Digest.Proto(),
			IsExecutable: f.IsExecutable,
		}
		if !f.Mtime.IsZero() {
			fileNode.NodeProperties = &repb.NodeProperties{Mtime: timestamppb.New(f.Mtime)}
		}
		dir.Files = append(dir.Files, fileNode)
		if f.Data != nil {
			*blobs = append(*blobs, Blob{Digest: f.Digest, Data: f.Data})
		}
	}

	for _, name := range sortedStringKeys(n.Symlinks) {
		dir.Symlinks = append(dir.Symlinks, &repb.SymlinkNode{
			Name:   name,
			Target: n.Symlinks[name],
		})
	}

	// The protocol requires Files, Directories and Symlinks each be sorted
	// lexicographically by name; not every server enforces it, but some do.
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Name < dir.Files[j].Name })
	sort.Slice(dir.Directories, func(i, j int) bool { return dir.Directories[i].Name < dir.Directories[j].Name })
	sort.Slice(dir.Symlinks, func(i, j int) bool { return dir.Symlinks[i].Name < dir.Symlinks[j].Name })

	data, err := marshalDeterministic(dir)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	d := digest.Of(data)
	*blobs = append(*blobs, Blob{Digest: d, Data: data})
	return dir, d, nil
}

func sortedKeys(m map[string]*NestedDirectory) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToTree flattens n the same way ToDigest does but returns the buildgrid
// Tree message (root plus descendant Directory protos) instead of a flat
// blob list, for callers that upload via GetTree/CaptureTree rather than
// individual CAS blobs.
func ToTree(n *NestedDirectory) (*repb.Tree, digest.Digest, error) {
	var blobs []Blob
	var descendants []*repb.Directory
	root, rootDigest, err := dfs(n, &blobs, &descendants)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	return &repb.Tree{Root: root, Children: descendants}, rootDigest, nil
}

// Flatten produces both wire representations of n in a single traversal:
// the flat blob list ToDigest returns (every Directory and file blob a
// caller must ensure is present in the CAS) and the Tree message ToTree
// returns. Callers that need to upload a Tree blob still need every
// Directory blob it addresses uploaded alongside it, so they need both
// outputs from the same dfs pass rather than paying for it twice.
func Flatten(n *NestedDirectory) (Flattened, *repb.Tree, error) {
	var blobs []Blob
	var descendants []*repb.Directory
	root, rootDigest, err := dfs(n, &blobs, &descendants)
	if err != nil {
		return Flattened{}, nil, err
	}
	return Flattened{RootDigest: rootDigest, Blobs: blobs}, &repb.Tree{Root: root, Children: descendants}, nil
}
