package texttok

import "testing"

func TestEncodeRejectsEmptyPrompt(t *testing.T) {
	tok := New(32)
	if _, err := tok.Encode("   "); err == nil {
		t.Error("expected an error for a whitespace-only prompt")
	}
}

func TestEncodeIDsWithinVocab(t *testing.T) {
	tok := New(16)
	ids, err := tok.Encode("the quick brown fox")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 5 {
		t.Fatalf("got %d ids, want 5 (bos + 4 words)", len(ids))
	}
	if ids[0] != bosTokenID {
		t.Errorf("ids[0] = %d, want bos token %d", ids[0], bosTokenID)
	}
	for _, id := range ids {
		if id < 0 || id >= 16 {
			t.Errorf("id %d out of vocab range [0,16)", id)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok := New(64)
	ids, err := tok.Encode("hello world")
	if err != nil {
		t.Fatal(err)
	}
	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello world" {
		t.Errorf("got %q, want %q", text, "hello world")
	}
}

func TestDecodeUnseenIDFallsBackToPlaceholder(t *testing.T) {
	tok := New(64)
	text, err := tok.Decode([]int{63})
	if err != nil {
		t.Fatal(err)
	}
	if text != "<63>" {
		t.Errorf("got %q, want %q", text, "<63>")
	}
}
