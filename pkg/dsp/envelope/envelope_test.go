package envelope

import (
	"math"
	"testing"
)

func TestADSRStages(t *testing.T) {
	sr := 1000.0
	env := New(sr)
	env.SetADSR(0.01, 0.05, 0.5, 0.05)

	if env.IsActive() {
		t.Fatal("New envelope should be idle")
	}

	env.Trigger()
	for i := 0; i < 10; i++ {
		env.Next()
	}
	if env.Value() < 0.99 {
		t.Errorf("Expected full level after attack, got %f", env.Value())
	}

	for i := 0; i < 200; i++ {
		env.Next()
	}
	if env.Stage() != StageSustain {
		t.Errorf("Expected sustain stage, got %v", env.Stage())
	}
	if math.Abs(env.Value()-0.5) > 0.001 {
		t.Errorf("Expected sustain level 0.5, got %f", env.Value())
	}

	env.Release()
	for i := 0; i < 500 && env.IsActive(); i++ {
		env.Next()
	}
	if env.IsActive() {
		t.Error("Expected envelope idle after release")
	}
}

func TestZeroSustainEndsAfterDecay(t *testing.T) {
	env := New(1000)
	env.SetADSR(0.001, 0.05, 0, 0.1)
	env.Trigger()
	for i := 0; i < 1000 && env.IsActive(); i++ {
		env.Next()
	}
	if env.IsActive() {
		t.Error("Percussive envelope should go idle without a release")
	}
}

func TestFadeOutShortensRelease(t *testing.T) {
	env := New(1000)
	env.SetADSR(0.001, 0.01, 1.0, 5.0)
	env.Trigger()
	for i := 0; i < 50; i++ {
		env.Next()
	}

	env.FadeOut(0.02)
	n := 0
	for env.IsActive() && n < 1000 {
		env.Next()
		n++
	}
	if n > 40 {
		t.Errorf("Expected fade-out within ~20 samples, took %d", n)
	}
}

func TestDecay(t *testing.T) {
	d := NewDecay(1000, 10)
	if d.IsActive() {
		t.Fatal("Decay should start silent")
	}
	d.Trigger()
	if v := d.Next(); v != 1.0 {
		t.Errorf("Expected first sample 1.0, got %f", v)
	}
	for i := 0; i < 99; i++ {
		d.Next()
	}
	// exp(-10 * 0.1) ~= 0.368
	if v := d.Next(); math.Abs(float64(v)-0.368) > 0.01 {
		t.Errorf("Expected ~0.368 after 100ms, got %f", v)
	}
}
