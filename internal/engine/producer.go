package engine

import (
	"strconv"
	"strings"

	"github.com/durable-streams/streams-engine/internal/engineerr"
	"github.com/durable-streams/streams-engine/internal/hotstore"
)

// maxProducerIDLen is spec.md §4.5's cap on producer id length.
const maxProducerIDLen = 256

// ProducerHeaders is the parsed form of the Producer-Id / Producer-Epoch /
// Producer-Seq request headers. Epoch and Seq are int64 to match
// hotstore.ProducerState's column types (non-negative integers fitting in
// 63 bits, per spec.md §4.5).
type ProducerHeaders struct {
	ID      string
	Epoch   int64
	Seq     int64
	Present bool
}

// ParseProducerHeaders validates the raw header trio. If none of the three
// are set, returns a zero-value ProducerHeaders with Present=false and no
// error — producer attribution is optional on append. If any is set, all
// three must be present and well-formed.
func ParseProducerHeaders(id, epoch, seq string) (ProducerHeaders, error) {
	if id == "" && epoch == "" && seq == "" {
		return ProducerHeaders{}, nil
	}
	if id == "" || epoch == "" || seq == "" {
		return ProducerHeaders{}, engineerr.New(engineerr.CodeProducerHeadersIncomplete, "producer id, epoch and seq must all be present")
	}
	if len(id) > maxProducerIDLen || strings.TrimSpace(id) == "" {
		return ProducerHeaders{}, engineerr.New(engineerr.CodeProducerIDInvalid, "producer id must be non-empty and at most %d bytes", maxProducerIDLen)
	}
	epochVal, epochErr := strconv.ParseInt(epoch, 10, 64)
	seqVal, seqErr := strconv.ParseInt(seq, 10, 64)
	if isRangeErr(epochErr) || isRangeErr(seqErr) {
		return ProducerHeaders{}, engineerr.New(engineerr.CodeProducerEpochSeqOverflow, "producer epoch and seq must fit in 63 bits")
	}
	if epochErr != nil || seqErr != nil || epochVal < 0 || seqVal < 0 {
		return ProducerHeaders{}, engineerr.New(engineerr.CodeProducerEpochSeqNotInts, "producer epoch and seq must be non-negative integers")
	}
	return ProducerHeaders{ID: id, Epoch: epochVal, Seq: seqVal, Present: true}, nil
}

func isRangeErr(err error) bool {
	numErr, ok := err.(*strconv.NumError)
	return ok && numErr.Err == strconv.ErrRange
}

// ProducerOutcome is the result of validating a producer's headers against
// its prior recorded state for one append attempt.
type ProducerOutcome struct {
	// Duplicate is true when the append must be treated as an accepted
	// no-op: the caller should not insert a new op, but should still
	// return success with Producer-Received-Seq set to LastSeq.
	Duplicate bool
	LastSeq   int64
}

// ValidateProducer implements the state machine of spec.md §4.5's
// "Idempotent producers" rules against prior state for (stream,
// producer_id). prior.Epoch/prior.Seq are meaningless when hadPrior is
// false.
func ValidateProducer(hdrs ProducerHeaders, prior hotstore.ProducerState, hadPrior bool) (ProducerOutcome, error) {
	if !hadPrior {
		if hdrs.Seq != 0 {
			return ProducerOutcome{}, engineerr.New(engineerr.CodeProducerSeqMustStartAtZero, "first accepted seq for a new producer must be 0")
		}
		return ProducerOutcome{}, nil
	}

	if hdrs.Epoch < prior.Epoch {
		return ProducerOutcome{}, engineerr.New(engineerr.CodeStaleProducerEpoch, "producer epoch %d is stale, last accepted epoch is %d", hdrs.Epoch, prior.Epoch)
	}

	if hdrs.Epoch == prior.Epoch {
		switch {
		case hdrs.Seq <= prior.Seq:
			return ProducerOutcome{Duplicate: true, LastSeq: prior.Seq}, nil
		case hdrs.Seq == prior.Seq+1:
			return ProducerOutcome{}, nil
		default:
			return ProducerOutcome{}, engineerr.New(engineerr.CodeProducerSequenceGap, "expected seq %d, got %d", prior.Seq+1, hdrs.Seq).
				WithHeader("Producer-Expected-Seq", strconv.FormatInt(prior.Seq+1, 10))
		}
	}

	// hdrs.Epoch > prior.Epoch: seq resets.
	if hdrs.Seq != 0 {
		return ProducerOutcome{}, engineerr.New(engineerr.CodeProducerSeqMustStartAtZero, "first seq on a new epoch must be 0")
	}
	return ProducerOutcome{}, nil
}
