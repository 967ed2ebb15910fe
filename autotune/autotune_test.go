package autotune

import (
	"testing"

	"github.com/gretacore/gretacore/backend"
)

func TestDeviceKeyFormat(t *testing.T) {
	key := DeviceKey(backend.Capabilities{
		VendorID: 0x1002, DeviceID: 0x73df, DeviceName: "RX 7900",
		DriverName: "AMDVLK", SubgroupSizeReported: 64, SubgroupSizeMin: 32, SubgroupSizeMax: 64,
	})
	want := "vid=0x1002;did=0x73df;name=RX 7900;driver=AMDVLK;sg=(64,32,64)"
	if key != want {
		t.Errorf("got %q, want %q", key, want)
	}
}

func TestShapeBucketFormat(t *testing.T) {
	if got := ShapeBucket(1, 4096, 4096); got != "M1_N4096_K4096" {
		t.Errorf("got %q", got)
	}
}

func TestParseTFLOPs(t *testing.T) {
	cases := map[string]float64{
		"some log line\nmean_TFLOPs=12.34\nmore output": 12.34,
		"no marker here":                                 0.0,
		"mean_TFLOPs=not-a-number":                        0.0,
	}
	for in, want := range cases {
		if got := parseTFLOPs(in); got != want {
			t.Errorf("parseTFLOPs(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestResolveWinnerForcedCandidate(t *testing.T) {
	cache := &Cache{entries: map[string]CacheEntry{}, meta: map[string]string{}}
	candidates := []Candidate{{Name: "tiled_vec2"}, {Name: "subgroup"}}
	args := Args{Force: "subgroup"}

	w, err := ResolveWinner(args, backend.Capabilities{}, "M1_N1_K1", candidates, func(Candidate) (string, error) {
		t.Fatal("forced resolution must not run any candidate")
		return "", nil
	}, cache, nil)
	if err != nil {
		t.Fatal(err)
	}
	if w.Variant != "subgroup" {
		t.Errorf("got %q, want forced variant", w.Variant)
	}
}

func TestResolveWinnerCacheHit(t *testing.T) {
	caps := backend.Capabilities{DeviceName: "RX 7900"}
	deviceKey := DeviceKey(caps)
	cache := &Cache{entries: map[string]CacheEntry{}, meta: map[string]string{}}
	cache.Upsert(CacheEntry{DeviceKey: deviceKey, Bucket: "M1_N1_K1", Winner: "tiled_vec2", TFLOPs: 9.9})

	w, err := ResolveWinner(Args{}, caps, "M1_N1_K1", []Candidate{{Name: "tiled_vec2"}}, func(Candidate) (string, error) {
		t.Fatal("cache hit must not run any candidate")
		return "", nil
	}, cache, nil)
	if err != nil {
		t.Fatal(err)
	}
	if w.Variant != "tiled_vec2" || w.TFLOPs != 9.9 {
		t.Errorf("got %+v, want cached winner", w)
	}
}

func TestResolveWinnerPicksBestByTFLOPs(t *testing.T) {
	cache := &Cache{entries: map[string]CacheEntry{}, meta: map[string]string{}}
	candidates := []Candidate{{Name: "slow"}, {Name: "fast"}}
	outputs := map[string]string{
		"slow": "mean_TFLOPs=2.0",
		"fast": "mean_TFLOPs=20.0",
	}

	w, err := ResolveWinner(Args{NoWrite: true}, backend.Capabilities{}, "M1_N1_K1", candidates, func(c Candidate) (string, error) {
		return outputs[c.Name], nil
	}, cache, nil)
	if err != nil {
		t.Fatal(err)
	}
	if w.Variant != "fast" {
		t.Errorf("got %q, want fast (higher TFLOPs, margin exceeded)", w.Variant)
	}
}

func TestResolveWinnerRequiresSubgroup32Filter(t *testing.T) {
	cache := &Cache{entries: map[string]CacheEntry{}, meta: map[string]string{}}
	candidates := []Candidate{{Name: "subgroup", RequiresSubgroup32: true}}
	caps := backend.Capabilities{SubgroupSizeMin: 64}

	_, err := ResolveWinner(Args{NoWrite: true}, caps, "M1_N1_K1", candidates, func(Candidate) (string, error) {
		t.Fatal("ineligible candidate must not run")
		return "", nil
	}, cache, nil)
	if err == nil {
		t.Error("expected an error when no candidate is eligible")
	}
}

func TestIsFP16BlacklistedMissingFile(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	if bl, _ := IsFP16Blacklisted("vid=0x1;did=0x2;name=x;driver=y;sg=(0,0,0)"); bl {
		t.Error("empty cache dir should report not blacklisted")
	}
}

func TestCacheDirXDGOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", dir)
	if got := CacheDir(); got != dir+"/gretacore" {
		t.Errorf("got %q", got)
	}
}
