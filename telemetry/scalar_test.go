package telemetry

import "testing"

func TestBytesScalarRoundTrip(t *testing.T) {
	cases := []struct {
		in   BytesScalar
		want string
	}{
		{0, "0 B"},
		{1024, "1 KiB"},
		{256 * 1024 * 1024, "256 MiB"},
	}
	for _, c := range cases {
		if got := c.in.String(); got != c.want {
			t.Errorf("BytesScalar(%d).String() = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseBytesScalar(t *testing.T) {
	got, err := ParseBytesScalar("256Mi")
	if err != nil {
		t.Fatal(err)
	}
	if got != BytesScalar(256*1024*1024) {
		t.Errorf("ParseBytesScalar(256Mi) = %d, want %d", got, 256*1024*1024)
	}
	if _, err := ParseBytesScalar(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestTokensPerSecondScalar(t *testing.T) {
	if TokensPerSecondScalar(0).String() != "0 tok/s" {
		t.Error("zero tok/s should format as 0 tok/s")
	}
	if got := TokensPerSecondScalar(42.5).String(); got != "42.50 tok/s" {
		t.Errorf("got %q", got)
	}
}
