package env

import (
	"reflect"
	"testing"
	"time"
)

func TestString(t *testing.T) {
	if got := String("RK_ENV_STRING_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
	t.Setenv("RK_ENV_STRING", "value")
	if got := String("RK_ENV_STRING", "fallback"); got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestDuration(t *testing.T) {
	got, err := Duration("RK_ENV_DURATION_MISSING", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 5*time.Second {
		t.Fatalf("Duration()=%v, want 5s", got)
	}

	t.Setenv("RK_ENV_DURATION", " 250ms ")
	got, err = Duration("RK_ENV_DURATION", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v, want 250ms", got)
	}

	t.Setenv("RK_ENV_DURATION_BAD", "soon")
	if _, err := Duration("RK_ENV_DURATION_BAD", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBoolAndInt(t *testing.T) {
	t.Setenv("RK_ENV_BOOL", "false")
	b, err := Bool("RK_ENV_BOOL", true)
	if err != nil || b {
		t.Fatalf("Bool()=%v err=%v, want false", b, err)
	}
	t.Setenv("RK_ENV_BOOL_BAD", "nope")
	if _, err := Bool("RK_ENV_BOOL_BAD", true); err == nil {
		t.Fatalf("Bool() expected error")
	}

	t.Setenv("RK_ENV_INT", "7")
	i, err := Int("RK_ENV_INT", 42)
	if err != nil || i != 7 {
		t.Fatalf("Int()=%v err=%v, want 7", i, err)
	}
	if i, _ := Int("RK_ENV_INT_MISSING", 42); i != 42 {
		t.Fatalf("Int()=%v, want 42", i)
	}
	t.Setenv("RK_ENV_INT_BAD", "x")
	if _, err := Int("RK_ENV_INT_BAD", 1); err == nil {
		t.Fatalf("Int() expected error")
	}
}

func TestCSV(t *testing.T) {
	def := []string{"a"}
	if got := CSV("RK_ENV_CSV_MISSING", def); !reflect.DeepEqual(got, def) {
		t.Fatalf("CSV()=%v, want %v", got, def)
	}
	t.Setenv("RK_ENV_CSV", " x, y,,x ,z")
	got := CSV("RK_ENV_CSV", def)
	want := []string{"x", "y", "z"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("CSV()=%v, want %v", got, want)
	}
}
