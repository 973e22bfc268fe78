package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestValidateCron_RejectsWrongFieldCount(t *testing.T) {
	for _, expr := range []string{"", "* * * * *", "0 9 * * 1-5", "* * * * * * *"} {
		if err := ValidateCron(expr); !errors.Is(err, ErrScheduleInvalid) {
			t.Errorf("ValidateCron(%q) = %v, want ErrScheduleInvalid", expr, err)
		}
	}
}

func TestValidateCron_AcceptsSixFields(t *testing.T) {
	for _, expr := range []string{"0 0 9 * * *", "*/30 * * * * *", "0 15 8 * * 1-5"} {
		if err := ValidateCron(expr); err != nil {
			t.Errorf("ValidateCron(%q) = %v", expr, err)
		}
	}
}

func TestNextCronRun_NineAM(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextCronRun("0 0 9 * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// After that run, the next occurrence is tomorrow 09:00.
	after, err := NextCronRun("0 0 9 * * *", want)
	if err != nil {
		t.Fatal(err)
	}
	want = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !after.Equal(want) {
		t.Fatalf("after = %v, want %v", after, want)
	}
}

func TestNextCronRun_StrictlyGreater(t *testing.T) {
	// next_run is the least t > after, never t == after.
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	next, err := NextCronRun("0 0 9 * * *", at)
	if err != nil {
		t.Fatal(err)
	}
	if !next.After(at) {
		t.Fatalf("next = %v, not after %v", next, at)
	}
}

func TestNextCronRun_SecondsField(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC)
	next, err := NextCronRun("*/30 * * * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextCronRun_UTCOnly(t *testing.T) {
	// Local-zone input must not shift the computed UTC instant.
	loc := time.FixedZone("UTC+7", 7*3600)
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, loc) // 00:00 UTC
	next, err := NextCronRun("0 0 9 * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
