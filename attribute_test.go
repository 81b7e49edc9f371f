package rasternn

import (
	"errors"
	"slices"
	"testing"
)

func TestAttributesInt(t *testing.T) {
	attrs := Attributes{"group": 2, "wide": int64(3), "bad": "nope"}

	if v, err := attrs.Int("group", 1); err != nil || v != 2 {
		t.Errorf("Int(group) = %d, %v; want 2, nil", v, err)
	}
	if v, err := attrs.Int("wide", 1); err != nil || v != 3 {
		t.Errorf("Int(wide) = %d, %v; want 3, nil", v, err)
	}
	if v, err := attrs.Int("absent", 7); err != nil || v != 7 {
		t.Errorf("Int(absent) = %d, %v; want default 7, nil", v, err)
	}
	if _, err := attrs.Int("bad", 1); !errors.Is(err, ErrAttributeType) {
		t.Errorf("Int(bad) error = %v; want ErrAttributeType", err)
	}
}

func TestAttributesInts(t *testing.T) {
	attrs := Attributes{
		"strides": []int{2, 2},
		"pads":    []int64{1, 1, 1, 1},
		"bad":     42,
	}

	if v, err := attrs.Ints("strides", nil); err != nil || !slices.Equal(v, []int{2, 2}) {
		t.Errorf("Ints(strides) = %v, %v", v, err)
	}
	if v, err := attrs.Ints("pads", nil); err != nil || !slices.Equal(v, []int{1, 1, 1, 1}) {
		t.Errorf("Ints(pads) = %v, %v", v, err)
	}
	def := []int{1, 1}
	if v, err := attrs.Ints("absent", def); err != nil || !slices.Equal(v, def) {
		t.Errorf("Ints(absent) = %v, %v; want default", v, err)
	}
	if _, err := attrs.Ints("bad", nil); !errors.Is(err, ErrAttributeType) {
		t.Errorf("Ints(bad) error = %v; want ErrAttributeType", err)
	}
}

func TestAttributesFloatStr(t *testing.T) {
	attrs := Attributes{
		"alpha":    float32(0.5),
		"beta":     0.25,
		"auto_pad": "SAME_UPPER",
	}

	if v, err := attrs.Float("alpha", 0); err != nil || v != 0.5 {
		t.Errorf("Float(alpha) = %f, %v", v, err)
	}
	if v, err := attrs.Float("beta", 0); err != nil || v != 0.25 {
		t.Errorf("Float(beta) = %f, %v", v, err)
	}
	if v, err := attrs.Str("auto_pad", "NOTSET"); err != nil || v != "SAME_UPPER" {
		t.Errorf("Str(auto_pad) = %q, %v", v, err)
	}
	if v, err := attrs.Str("absent", "NOTSET"); err != nil || v != "NOTSET" {
		t.Errorf("Str(absent) = %q, %v; want default", v, err)
	}
	if _, err := attrs.Str("alpha", ""); !errors.Is(err, ErrAttributeType) {
		t.Errorf("Str(alpha) error = %v; want ErrAttributeType", err)
	}
}
