package merkle

import (
	"testing"

	"github.com/buildboxgo/reapiclient/src/digest"
)

func init() {
	digest.SetFunction(digest.SHA256)
}

func TestToDigestIsOrderInsensitive(t *testing.T) {
	a := NewNestedDirectory()
	a.AddFile("b.txt", &File{Data: []byte("b")})
	a.AddFile("a.txt", &File{Data: []byte("a")})

	b := NewNestedDirectory()
	b.AddFile("a.txt", &File{Data: []byte("a")})
	b.AddFile("b.txt", &File{Data: []byte("b")})

	fa, err := ToDigest(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := ToDigest(b)
	if err != nil {
		t.Fatal(err)
	}
	if fa.RootDigest != fb.RootDigest {
		t.Fatalf("insertion order should not affect the root digest: %v != %v", fa.RootDigest, fb.RootDigest)
	}
}

func TestToDigestDiffersOnContent(t *testing.T) {
	a := NewNestedDirectory()
	a.AddFile("f.txt", &File{Data: []byte("one")})

	b := NewNestedDirectory()
	b.AddFile("f.txt", &File{Data: []byte("two")})

	fa, err := ToDigest(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := ToDigest(b)
	if err != nil {
		t.Fatal(err)
	}
	if fa.RootDigest == fb.RootDigest {
		t.Fatal("differing file content must produce differing root digests")
	}
}

func TestToDigestNestedDirectories(t *testing.T) {
	root := NewNestedDirectory()
	root.AddFile("top.txt", &File{Data: []byte("top")})
	root.AddFile("sub/nested.txt", &File{Data: []byte("nested")})
	root.AddSymlink("link", "top.txt")

	flat, err := ToDigest(root)
	if err != nil {
		t.Fatal(err)
	}
	if flat.RootDigest.Hash == "" {
		t.Fatal("expected a non-empty root digest")
	}
	// root dir + sub dir + top.txt + nested.txt = 4 blobs.
	if len(flat.Blobs) != 4 {
		t.Fatalf("len(Blobs) = %d; want 4", len(flat.Blobs))
	}
}

func TestToTreeMatchesToDigestRoot(t *testing.T) {
	root := NewNestedDirectory()
	root.AddFile("a.txt", &File{Data: []byte("a")})
	root.AddFile("sub/b.txt", &File{Data: []byte("b")})

	flat, err := ToDigest(root)
	if err != nil {
		t.Fatal(err)
	}
	tree, rootDigest, err := ToTree(root)
	if err != nil {
		t.Fatal(err)
	}
	if rootDigest != flat.RootDigest {
		t.Fatalf("ToTree root digest %v != ToDigest root digest %v", rootDigest, flat.RootDigest)
	}
	if tree.Root == nil {
		t.Fatal("expected a root Directory in the Tree")
	}
	if len(tree.Children) != 1 {
		t.Fatalf("len(Children) = %d; want 1 (the sub directory)", len(tree.Children))
	}
}

func TestAddFileIntermediateDirectories(t *testing.T) {
	root := NewNestedDirectory()
	root.AddFile("a/b/c.txt", &File{Data: []byte("deep")})

	a, ok := root.Directories["a"]
	if !ok {
		t.Fatal("expected intermediate directory 'a'")
	}
	b, ok := a.Directories["b"]
	if !ok {
		t.Fatal("expected intermediate directory 'b'")
	}
	if _, ok := b.Files["c.txt"]; !ok {
		t.Fatal("expected file 'c.txt' under a/b")
	}
}
