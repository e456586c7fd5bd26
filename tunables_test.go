package concmark

import "testing"

func TestDefaultTunablesValidate(t *testing.T) {
	if err := DefaultTunables().Validate(); err != nil {
		t.Fatalf("DefaultTunables() must validate, got %v", err)
	}
}

func TestValidateRejectsNonPowerOfTwoQueueCapacity(t *testing.T) {
	tu := DefaultTunables()
	tu.LocalQueueCapacity = 100
	if err := tu.Validate(); err == nil {
		t.Fatal("expected validation error for non power-of-two LocalQueueCapacity")
	}
}

func TestValidateRejectsMaxBelowInitial(t *testing.T) {
	tu := DefaultTunables()
	tu.InitialStackChunks = 16
	tu.MaxStackChunks = 4
	if err := tu.Validate(); err == nil {
		t.Fatal("expected validation error when MaxStackChunks < InitialStackChunks")
	}
}

func TestValidateRejectsZeroWordSize(t *testing.T) {
	tu := DefaultTunables()
	tu.WordSizeBytes = 0
	if err := tu.Validate(); err == nil {
		t.Fatal("expected validation error for zero WordSizeBytes")
	}
}

func TestValidateRejectsNegativeWorkers(t *testing.T) {
	tu := DefaultTunables()
	tu.NumWorkers = -1
	if err := tu.Validate(); err == nil {
		t.Fatal("expected validation error for negative NumWorkers")
	}
}
