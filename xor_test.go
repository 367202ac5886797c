package headsocket

import (
	"bytes"
	"testing"
)

func TestApplyMaskInvolution(t *testing.T) {
	key := maskKey{0x12, 0x34, 0x56, 0x78}
	original := []byte("the quick brown fox jumps over the lazy dog")

	masked := append([]byte(nil), original...)
	applyMask(key, masked)
	if bytes.Equal(masked, original) {
		t.Fatal("masking did not change the payload")
	}

	applyMask(key, masked)
	if !bytes.Equal(masked, original) {
		t.Errorf("applying the same key twice did not restore the original bytes")
	}
}

func TestApplyMaskGoldenVector(t *testing.T) {
	// From pascaldekloe-websocket's conn_test.go golden table: mask
	// 0x12345678 over "hello".
	key := maskKey{0x12, 0x34, 0x56, 0x78}
	payload := []byte("hello")
	want := []byte("\x7a\x51\x3a\x14\x7d")

	applyMask(key, payload)
	if !bytes.Equal(payload, want) {
		t.Errorf("applyMask(%v, \"hello\") = %#x, want %#x", key, payload, want)
	}
}
