package stream

import "testing"

func TestTextDecoder_ASCIIPassthrough(t *testing.T) {
	var d textDecoder
	if got := d.Write([]byte("hello")); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := d.Flush(); got != "" {
		t.Errorf("flush should be empty, got %q", got)
	}
}

func TestTextDecoder_SplitMultiByteRune(t *testing.T) {
	raw := []byte("sáng") // á is 2 bytes, split inside it
	var d textDecoder

	out := d.Write(raw[:2])
	if out != "s" {
		t.Errorf("first write should hold the partial rune, got %q", out)
	}
	out += d.Write(raw[2:])
	out += d.Flush()
	if out != "sáng" {
		t.Errorf("got %q, want %q", out, "sáng")
	}
}

func TestTextDecoder_SplitFourByteRune(t *testing.T) {
	raw := []byte("a\xF0\x9F\x9A\x93b") // police car emoji, 4 bytes
	var d textDecoder

	var out string
	for _, b := range raw {
		out += d.Write([]byte{b})
	}
	out += d.Flush()
	if out != "a\U0001F693b" {
		t.Errorf("got %q", out)
	}
}

func TestTextDecoder_FlushReturnsPending(t *testing.T) {
	var d textDecoder
	if got := d.Write([]byte{0xE2, 0x98}); got != "" {
		t.Errorf("partial rune should not be emitted, got %q", got)
	}
	if got := d.Flush(); got == "" {
		t.Error("flush should return the pending bytes")
	}
}

func TestTrailingPartial_CompleteRunesOnly(t *testing.T) {
	for _, s := range []string{"", "a", "é", "☀", "\U0001F693", "mixed é☀ end"} {
		if got := trailingPartial([]byte(s)); got != 0 {
			t.Errorf("%q: expected 0 pending bytes, got %d", s, got)
		}
	}
}
