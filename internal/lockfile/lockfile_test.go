package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireReleaseAndReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	payload := Payload{PID: os.Getpid(), StartedAtEpochSecs: 100, Mode: "test"}

	lock, holder, err := Acquire(path, payload)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lock == nil || holder != nil {
		t.Fatal("expected clean acquisition")
	}

	// A second open file description on the same path must see busy.
	second, busyHolder, err := Acquire(path, payload)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		t.Fatal("second acquisition should be busy")
	}
	if busyHolder == nil || busyHolder.PID != os.Getpid() {
		t.Errorf("busy holder = %+v", busyHolder)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	third, _, err := Acquire(path, payload)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if third == nil {
		t.Fatal("expected reacquisition after release")
	}
	third.Release()
}

func TestPayloadFirstLineParsesAsInteger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	lock, _, err := Acquire(path, Payload{PID: 4321, StartedAtEpochSecs: 9})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	first := strings.SplitN(string(raw), "\n", 2)[0]
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		t.Fatalf("legacy readers need an integer first line, got %q", first)
	}
	if pid != 4321 {
		t.Errorf("pid = %d, want 4321", pid)
	}
}

func TestParsePayloadVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		pid  int
		nil_ bool
	}{
		{"two-line", "42\n{\"pid\":42,\"started_at_epoch_secs\":5,\"build_uuid\":\"abc\"}\n", 42, false},
		{"bare json", `{"pid":7,"started_at_epoch_secs":1}`, 7, false},
		{"legacy pid", "4242\n", 4242, false},
		{"empty", "   ", 0, true},
		{"garbage", "not-a-pid\n", 0, true},
	}
	for _, tc := range cases {
		got := ParsePayload(tc.raw)
		if tc.nil_ {
			if got != nil {
				t.Errorf("%s: expected nil, got %+v", tc.name, got)
			}
			continue
		}
		if got == nil || got.PID != tc.pid {
			t.Errorf("%s: payload = %+v, want pid %d", tc.name, got, tc.pid)
		}
	}
}

func TestStaleDetectsDeadPID(t *testing.T) {
	p := &Payload{PID: 99999999, StartedAtEpochSecs: 100}
	if !p.Stale(200, 0) {
		t.Error("dead pid should be stale")
	}
	alive := &Payload{PID: os.Getpid(), StartedAtEpochSecs: 100}
	if alive.Stale(200, 0) {
		t.Error("live pid with no ttl should not be stale")
	}
	if !alive.Stale(100+7200, 3600) {
		t.Error("live pid past ttl should be stale")
	}
}
