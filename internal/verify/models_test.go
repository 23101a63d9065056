package verify

import (
	"errors"
	"testing"
)

func TestValidateBatchTransition_LegalMoves(t *testing.T) {
	legal := []struct{ from, to BatchStatus }{
		{BatchQueued, BatchProcessing},
		{BatchQueued, BatchFailed},
		{BatchProcessing, BatchDownloading},
		{BatchProcessing, BatchCompleted},
		{BatchProcessing, BatchFailed},
		{BatchDownloading, BatchCompleted},
		{BatchDownloading, BatchFailed},
		{BatchFailed, BatchQueued},
	}
	for _, m := range legal {
		if err := ValidateBatchTransition(m.from, m.to); err != nil {
			t.Errorf("transition %s -> %s should be legal: %v", m.from, m.to, err)
		}
	}
}

func TestValidateBatchTransition_IllegalMoves(t *testing.T) {
	illegal := []struct{ from, to BatchStatus }{
		{BatchQueued, BatchCompleted},
		{BatchQueued, BatchDownloading},
		{BatchCompleted, BatchQueued},
		{BatchCompleted, BatchFailed},
		{BatchDownloading, BatchQueued},
		{BatchFailed, BatchProcessing},
	}
	for _, m := range illegal {
		err := ValidateBatchTransition(m.from, m.to)
		if err == nil {
			t.Errorf("transition %s -> %s should be rejected", m.from, m.to)
			continue
		}
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Errorf("transition %s -> %s error = %T, want *TransitionError", m.from, m.to, err)
		}
	}
}

func TestValidateBatchTransition_SelfMoveIsNoop(t *testing.T) {
	for _, s := range []BatchStatus{BatchQueued, BatchProcessing, BatchCompleted} {
		if err := ValidateBatchTransition(s, s); err != nil {
			t.Errorf("self transition %s should be allowed: %v", s, err)
		}
	}
}

func TestValidateItemTransition(t *testing.T) {
	if err := ValidateItemTransition(ItemQueued, ItemAssigned); err != nil {
		t.Errorf("queued -> assigned should be legal: %v", err)
	}
	if err := ValidateItemTransition(ItemAssigned, ItemCompleted); err != nil {
		t.Errorf("assigned -> completed should be legal: %v", err)
	}
	if err := ValidateItemTransition(ItemFailed, ItemQueued); err != nil {
		t.Errorf("failed -> queued (replay) should be legal: %v", err)
	}
	if err := ValidateItemTransition(ItemQueued, ItemCompleted); err == nil {
		t.Error("queued -> completed should be rejected")
	}
	if err := ValidateItemTransition(ItemCompleted, ItemQueued); err == nil {
		t.Error("completed -> queued should be rejected")
	}
}

func TestBatchStatusTerminal(t *testing.T) {
	if !BatchCompleted.Terminal() || !BatchFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
	if BatchQueued.Terminal() || BatchProcessing.Terminal() || BatchDownloading.Terminal() {
		t.Error("in-flight statuses are not terminal")
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{Entity: "batch", From: "completed", To: "queued"}
	want := "illegal batch transition: completed -> queued"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
