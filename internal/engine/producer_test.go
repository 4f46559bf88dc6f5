package engine

import (
	"testing"

	"github.com/durable-streams/streams-engine/internal/engineerr"
	"github.com/durable-streams/streams-engine/internal/hotstore"
)

func TestParseProducerHeadersAbsent(t *testing.T) {
	h, err := ParseProducerHeaders("", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Present {
		t.Fatal("expected Present=false")
	}
}

func TestParseProducerHeadersIncomplete(t *testing.T) {
	_, err := ParseProducerHeaders("x", "0", "")
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeProducerHeadersIncomplete {
		t.Fatalf("expected PRODUCER_HEADERS_INCOMPLETE, got %v", err)
	}
}

func TestParseProducerHeadersNotIntegers(t *testing.T) {
	_, err := ParseProducerHeaders("x", "abc", "0")
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeProducerEpochSeqNotInts {
		t.Fatalf("expected PRODUCER_EPOCH_SEQ_NOT_INTEGERS, got %v", err)
	}
}

func TestParseProducerHeadersOverflow(t *testing.T) {
	_, err := ParseProducerHeaders("x", "99999999999999999999", "0")
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeProducerEpochSeqOverflow {
		t.Fatalf("expected PRODUCER_EPOCH_SEQ_OVERFLOW, got %v", err)
	}
}

func TestValidateProducerFirstSeqMustBeZero(t *testing.T) {
	_, err := ValidateProducer(ProducerHeaders{ID: "x", Epoch: 0, Seq: 1, Present: true}, hotstore.ProducerState{}, false)
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeProducerSeqMustStartAtZero {
		t.Fatalf("expected PRODUCER_SEQ_MUST_START_AT_ZERO, got %v", err)
	}
}

func TestValidateProducerDuplicate(t *testing.T) {
	prior := hotstore.ProducerState{Epoch: 0, Seq: 0}
	out, err := ValidateProducer(ProducerHeaders{ID: "x", Epoch: 0, Seq: 0, Present: true}, prior, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Duplicate || out.LastSeq != 0 {
		t.Fatalf("expected duplicate with LastSeq 0, got %+v", out)
	}
}

func TestValidateProducerGap(t *testing.T) {
	prior := hotstore.ProducerState{Epoch: 0, Seq: 0}
	_, err := ValidateProducer(ProducerHeaders{ID: "x", Epoch: 0, Seq: 2, Present: true}, prior, true)
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeProducerSequenceGap {
		t.Fatalf("expected PRODUCER_SEQUENCE_GAP, got %v", err)
	}
	if e.Headers["Producer-Expected-Seq"] != "1" {
		t.Fatalf("expected Producer-Expected-Seq=1, got %v", e.Headers)
	}
}

func TestValidateProducerStaleEpoch(t *testing.T) {
	prior := hotstore.ProducerState{Epoch: 2, Seq: 0}
	_, err := ValidateProducer(ProducerHeaders{ID: "x", Epoch: 1, Seq: 0, Present: true}, prior, true)
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeStaleProducerEpoch {
		t.Fatalf("expected STALE_PRODUCER_EPOCH, got %v", err)
	}
}

func TestValidateProducerEpochAdvance(t *testing.T) {
	prior := hotstore.ProducerState{Epoch: 0, Seq: 5}
	out, err := ValidateProducer(ProducerHeaders{ID: "x", Epoch: 1, Seq: 0, Present: true}, prior, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Duplicate {
		t.Fatal("expected a fresh accept, not a duplicate")
	}
}

func TestValidateProducerEpochAdvanceMustResetToZero(t *testing.T) {
	prior := hotstore.ProducerState{Epoch: 0, Seq: 5}
	_, err := ValidateProducer(ProducerHeaders{ID: "x", Epoch: 1, Seq: 1, Present: true}, prior, true)
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeProducerSeqMustStartAtZero {
		t.Fatalf("expected PRODUCER_SEQ_MUST_START_AT_ZERO, got %v", err)
	}
}
