package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".courier", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestQueueDBPath(t *testing.T) {
	got := QueueDBPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "queue.db")) {
		t.Errorf("QueueDBPath(test) = %q, want suffix sessions/test/queue.db", got)
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q, want flag override", got)
	}
	t.Setenv("COURIER_SESSION", "env-session")
	if got := Resolve(""); got != "env-session" {
		t.Errorf("Resolve() = %q, want env value", got)
	}
	t.Setenv("COURIER_SESSION", "")
	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultSessionName)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work-2", "a_b", "x"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
	invalid := []string{"", "UPPER", "has space", "slash/y", strings.Repeat("a", 65)}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestLockExcludesSecondHolder(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)

	l, err := AcquireLock("locktest")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := AcquireLock("locktest"); err == nil {
		t.Error("second acquire succeeded while lock held")
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}

	l2, err := AcquireLock("locktest")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	_ = l2.Release()
}
