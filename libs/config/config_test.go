package config

import (
	"testing"
	"time"
)

func TestIntFallsBackOnBadValues(t *testing.T) {
	t.Setenv("BOOKING_TEST_INT", "abc")
	if got := Int("BOOKING_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("BOOKING_TEST_INT", "-3")
	if got := Int("BOOKING_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback for negative value, got %d", got)
	}
	t.Setenv("BOOKING_TEST_INT", " 42 ")
	if got := Int("BOOKING_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestDurationAndBool(t *testing.T) {
	t.Setenv("BOOKING_TEST_TTL", "15")
	if got := Duration("BOOKING_TEST_TTL", 30, time.Minute); got != 15*time.Minute {
		t.Fatalf("expected 15m, got %s", got)
	}
	t.Setenv("BOOKING_TEST_FLAG", "off")
	if Bool("BOOKING_TEST_FLAG", true) {
		t.Fatal("expected off to parse as false")
	}
	if !Bool("BOOKING_TEST_MISSING", true) {
		t.Fatal("expected fallback true for missing key")
	}
}

func TestListAndPort(t *testing.T) {
	t.Setenv("BOOKING_TEST_LIST", "a, ,b,")
	got := List("BOOKING_TEST_LIST", "")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected list %v", got)
	}
	t.Setenv("BOOKING_TEST_PORT", "70000")
	if _, err := Port("BOOKING_TEST_PORT", "8080"); err == nil {
		t.Fatal("expected invalid port error")
	}
}
