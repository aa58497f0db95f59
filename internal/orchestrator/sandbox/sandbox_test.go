package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	sb, err := New(root, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sb, root
}

func TestResolveWithinBase(t *testing.T) {
	sb, root := newTestSandbox(t)
	got, err := sb.Resolve("README.md")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(root, "README.md")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestResolveNestedRelative(t *testing.T) {
	sb, _ := newTestSandbox(t)
	if _, err := sb.Resolve("sub/file.txt"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	sb, _ := newTestSandbox(t)
	_, err := sb.Resolve("../../../etc/passwd")
	if !errkind.Is(err, errkind.ErrSandboxViolation) {
		t.Fatalf("expected sandbox violation, got %v", err)
	}
}

func TestResolveRejectsAbsoluteOutsideBase(t *testing.T) {
	sb, _ := newTestSandbox(t)
	_, err := sb.Resolve("/etc/passwd")
	if !errkind.Is(err, errkind.ErrSandboxViolation) {
		t.Fatalf("expected sandbox violation, got %v", err)
	}
}

func TestResolveAllowsAbsoluteInsideBase(t *testing.T) {
	sb, root := newTestSandbox(t)
	if _, err := sb.Resolve(filepath.Join(root, "README.md")); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	sb, root := newTestSandbox(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	_, err := sb.Resolve("escape/secret.txt")
	if !errkind.Is(err, errkind.ErrSandboxViolation) {
		t.Fatalf("expected sandbox violation, got %v", err)
	}
}

func TestResolveEmptyPathRejected(t *testing.T) {
	sb, _ := newTestSandbox(t)
	_, err := sb.Resolve("")
	if !errkind.Is(err, errkind.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
