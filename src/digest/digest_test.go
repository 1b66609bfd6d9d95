package digest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOfEmptyStringSHA256(t *testing.T) {
	SetFunction(SHA256)
	d := Of(nil)
	const want = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if d.Hash != want {
		t.Fatalf("Of(nil).Hash = %q; want %q", d.Hash, want)
	}
	if d.SizeBytes != 0 {
		t.Fatalf("Of(nil).SizeBytes = %d; want 0", d.SizeBytes)
	}
	if !d.Empty() {
		t.Fatal("Empty() = false for zero-length digest")
	}
}

func TestOfHelloWorldSHA256(t *testing.T) {
	SetFunction(SHA256)
	d := Of([]byte("Hello, world!"))
	const want = "315f5bdb76d078c43b8ac0064e4a0164612b1fce77c869345bfc94c75894edd3"
	if d.Hash != want {
		t.Fatalf("Of(\"Hello, world!\").Hash = %q; want %q", d.Hash, want)
	}
	if d.SizeBytes != 13 {
		t.Fatalf("SizeBytes = %d; want 13", d.SizeBytes)
	}
}

func TestOfFileMatchesOf(t *testing.T) {
	SetFunction(SHA256)
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	content := []byte("some file content\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	want := Of(content)
	got, err := OfFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("OfFile = %+v; want %+v", got, want)
	}
}

func TestVerify(t *testing.T) {
	SetFunction(SHA256)
	b := []byte("verify me")
	d := Of(b)
	if !Verify(b, d) {
		t.Fatal("Verify should succeed for matching content")
	}
	if Verify([]byte("tampered"), d) {
		t.Fatal("Verify should fail for mismatched content")
	}
}

func TestStringFormat(t *testing.T) {
	d := Digest{Hash: "abc123", SizeBytes: 42}
	if got := d.String(); got != "abc123/42" {
		t.Fatalf("String() = %q; want %q", got, "abc123/42")
	}
	if !strings.Contains(d.String(), "/") {
		t.Fatal("digest string should separate hash and size with /")
	}
}

func TestFunctionProtoRoundTrip(t *testing.T) {
	for _, f := range []Function{MD5, SHA1, SHA256, SHA384, SHA512} {
		got, ok := FromProto(f.ToProto())
		if !ok || got != f {
			t.Fatalf("FromProto(ToProto(%v)) = %v, %v", f, got, ok)
		}
	}
}
