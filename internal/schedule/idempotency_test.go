package schedule

import "testing"

func TestSendKey(t *testing.T) {
	got := SendKey("prospect-1", "seq-9", 3)
	want := "prospect-1:seq-9:step:3"
	if got != want {
		t.Errorf("SendKey = %q, want %q", got, want)
	}
}

func TestSendKeyDeterministic(t *testing.T) {
	a := SendKey("p", "s", 1)
	b := SendKey("p", "s", 1)
	if a != b {
		t.Errorf("same inputs produced different keys: %q vs %q", a, b)
	}
	if a == SendKey("p", "s", 2) {
		t.Error("different steps must produce different keys")
	}
}

func TestCancelledKey(t *testing.T) {
	key := SendKey("prospect-1", "seq-9", 1)
	got := CancelledKey(key, "campaign-7")
	want := "prospect-1:seq-9:step:1::CANCELLED::campaign-7"
	if got != want {
		t.Errorf("CancelledKey = %q, want %q", got, want)
	}
}
