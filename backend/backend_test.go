package backend

import "testing"

func TestSelectorPrefersNonSoftware(t *testing.T) {
	got, err := Selector([]Capabilities{
		{DeviceName: "llvmpipe", DeviceType: DeviceTypeCPU},
		{DeviceName: "Radeon RX 7900", DeviceType: DeviceTypeDiscreteGPU},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceName != "Radeon RX 7900" {
		t.Errorf("Selector picked %q, want the discrete GPU", got.DeviceName)
	}
}

func TestSelectorNoCandidates(t *testing.T) {
	if _, err := Selector(nil); err == nil {
		t.Error("expected an error for no candidates")
	}
}

func TestEvaluateSafetyKnownBadPair(t *testing.T) {
	t.Setenv("VK_ALLOW_UNSAFE", "")
	t.Setenv("VK_BLACKLIST_DEVICE", "")
	mode := EvaluateSafety(Capabilities{DriverName: "AMDVLK", DeviceName: "gfx803 (RX 580)"})
	if mode != SafetySafeMode {
		t.Errorf("mode = %v, want SafetySafeMode", mode)
	}
	if mode.AllowsFloat16() {
		t.Error("safe mode must disable float16")
	}
}

func TestEvaluateSafetyUnsafeOverride(t *testing.T) {
	t.Setenv("VK_ALLOW_UNSAFE", "1")
	mode := EvaluateSafety(Capabilities{DriverName: "AMDVLK", DeviceName: "gfx803"})
	if mode != SafetyNormal {
		t.Errorf("mode = %v, want SafetyNormal with VK_ALLOW_UNSAFE set", mode)
	}
}

func TestEvaluateSafetyBlacklist(t *testing.T) {
	t.Setenv("VK_ALLOW_UNSAFE", "")
	t.Setenv("VK_BLACKLIST_DEVICE", "1")
	mode := EvaluateSafety(Capabilities{})
	if mode != SafetyBlacklisted || mode.AllowsInit() {
		t.Error("blacklisted mode must refuse all compute init")
	}
}
