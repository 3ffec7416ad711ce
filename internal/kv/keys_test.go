package kv

import (
	"bytes"
	"testing"
)

func TestCalculationKeyRoundTrip(t *testing.T) {
	k := CalculationKey("abc123", "mp2/avtz/True")
	hash, model, ok := SplitCalculationKey(k)
	if !ok {
		t.Fatal("SplitCalculationKey: not ok")
	}
	if hash != "abc123" || model != "mp2/avtz/True" {
		t.Errorf("split: got (%q, %q)", hash, model)
	}
	if _, _, ok := SplitCalculationKey(MoleculeKey("abc123")); ok {
		t.Error("molecule key should not split as calculation key")
	}
}

func TestJobPrefixSeek(t *testing.T) {
	prefix := JobPrefix("h1", "mp2/avtz/False")
	for _, k := range [][]byte{
		JobKey("h1", "mp2/avtz/False", "0", false),
		JobKey("h1", "mp2/avtz/False", "0,1", true),
	} {
		if !bytes.HasPrefix(k, prefix) {
			t.Errorf("job key %q should start with calculation prefix", k)
		}
	}

	// Same hash, different model should NOT match.
	other := JobKey("h1", "mp2/avtz/True", "0", false)
	if bytes.HasPrefix(other, prefix) {
		t.Error("different model should not match")
	}
}

func TestJobKeyDistinguishesCounterpoise(t *testing.T) {
	a := JobKey("h", "m", "0", false)
	b := JobKey("h", "m", "0", true)
	if bytes.Equal(a, b) {
		t.Error("counterpoise variants must have distinct keys")
	}
}

func TestPendingKeySortOrder(t *testing.T) {
	k1 := PendingKey(1)
	k2 := PendingKey(2)
	k3 := PendingKey(1 << 40)
	if bytes.Compare(k1, k2) >= 0 || bytes.Compare(k2, k3) >= 0 {
		t.Error("pending keys should sort by sequence")
	}
	if !bytes.HasPrefix(k3, PendingPrefix()) {
		t.Error("pending key should start with pending prefix")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	end := PrefixUpperBound([]byte("p|"))
	if !bytes.Equal(end, []byte("p}")) {
		t.Errorf("PrefixUpperBound(p|) = %q, want %q", end, "p}")
	}
	if bytes.Compare(PendingKey(1<<64-1), end) >= 0 {
		t.Error("upper bound should exceed every prefixed key")
	}
	if got := PrefixUpperBound([]byte{0xff, 0xff}); got != nil {
		t.Errorf("PrefixUpperBound(ff ff) = %v, want nil", got)
	}
}

func TestSplitJobKey(t *testing.T) {
	k := JobKey("h1", "mp2/avtz/True", "0,2", true)
	hash, model, frags, cp, ok := SplitJobKey(k)
	if !ok {
		t.Fatal("SplitJobKey: not ok")
	}
	if hash != "h1" || model != "mp2/avtz/True" || frags != "0,2" || !cp {
		t.Errorf("split: got (%q, %q, %q, %v)", hash, model, frags, cp)
	}
	if _, _, _, _, ok := SplitJobKey(CalculationKey("h1", "m")); ok {
		t.Error("calculation key should not split as job key")
	}
}
