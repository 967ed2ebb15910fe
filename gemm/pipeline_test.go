package gemm

import (
	"testing"

	"github.com/gretacore/gretacore/backend"
	"github.com/gretacore/gretacore/buffer"
)

func TestResolveFallbackDemotesSubgroupWithoutControl(t *testing.T) {
	got := ResolveFallback(Subgroup, backend.SafetySafeMode, false)
	if got != TiledVec2_32x8 {
		t.Errorf("got %v, want TiledVec2_32x8", got)
	}
}

func TestResolveFallbackHonorsForce(t *testing.T) {
	got := ResolveFallback(Subgroup, backend.SafetySafeMode, true)
	if got != Subgroup {
		t.Errorf("forced subgroup should not be demoted, got %v", got)
	}
}

func TestResolveFallbackNormalModeKeepsSubgroup(t *testing.T) {
	got := ResolveFallback(Subgroup, backend.SafetyNormal, false)
	if got != Subgroup {
		t.Errorf("got %v, want Subgroup", got)
	}
}

func TestDispatchRejectsNilBuffers(t *testing.T) {
	c := NewCache(backend.Capabilities{}, backend.SafetyNormal, func(string, PushConstants) (*Pipeline, error) {
		return &Pipeline{}, nil
	})
	err := c.Dispatch(TiledVec2, Dispatch{A: nil, M: 1, N: 1, K: 1}, func(*Pipeline, Dispatch, uint32, uint32, uint32) error {
		return nil
	})
	if err == nil {
		t.Error("expected an error for a nil buffer")
	}
}

func TestDispatchRejectsZeroDims(t *testing.T) {
	c := NewCache(backend.Capabilities{}, backend.SafetyNormal, func(string, PushConstants) (*Pipeline, error) {
		return &Pipeline{}, nil
	})
	var a, b, out buffer.Buffer
	err := c.Dispatch(TiledVec2, Dispatch{A: &a, B: &b, C: &out, M: 0, N: 1, K: 1}, func(*Pipeline, Dispatch, uint32, uint32, uint32) error {
		return nil
	})
	if err == nil {
		t.Error("expected an error for M=0")
	}
}

func TestGetOrCreateSubgroupRequiresSubgroupControl(t *testing.T) {
	c := NewCache(backend.Capabilities{}, backend.SafetySafeMode, func(string, PushConstants) (*Pipeline, error) {
		return &Pipeline{}, nil
	})
	if _, err := c.GetOrCreate(Subgroup); err == nil {
		t.Error("expected an error creating the subgroup variant under safe mode")
	}
}

func TestGridSizeComputation(t *testing.T) {
	if got := ceilDiv(33, 32); got != 2 {
		t.Errorf("ceilDiv(33, 32) = %d, want 2", got)
	}
	if got := ceilDiv(32, 32); got != 1 {
		t.Errorf("ceilDiv(32, 32) = %d, want 1", got)
	}
}
