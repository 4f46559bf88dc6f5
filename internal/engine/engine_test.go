package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/coldstore"
	"github.com/durable-streams/streams-engine/internal/engineerr"
	"github.com/durable-streams/streams-engine/internal/hotstore"
	"github.com/durable-streams/streams-engine/internal/offsetv"
	"github.com/durable-streams/streams-engine/internal/registry"
)

func testStream(t *testing.T) *Stream {
	t.Helper()
	cold, err := coldstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	s := NewStream(offsetv.StreamPath{Project: "proj", Stream: "s1"}, hotstore.NewMemStore(), cold, registry.NewMemRegistry(), zap.NewNop())
	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

func TestStreamCreateThenAppendThenRead(t *testing.T) {
	ctx := context.Background()
	s := testStream(t)

	res, err := s.Create(ctx, CreateInput{ContentType: "text/plain", Public: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Created {
		t.Fatal("expected Created=true")
	}

	if _, err := s.Append(ctx, AppendInput{Payload: []byte("hello")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, AppendInput{Payload: []byte("world")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	read, err := s.Read(ctx, offsetv.Zero)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Payloads) != 2 || string(read.Payloads[0]) != "hello" || string(read.Payloads[1]) != "world" {
		t.Fatalf("unexpected payloads: %+v", read.Payloads)
	}
	if !read.UpToDate {
		t.Fatal("expected UpToDate=true after reading the tail")
	}
}

func TestStreamCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testStream(t)

	if _, err := s.Create(ctx, CreateInput{ContentType: "text/plain", Public: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := s.Create(ctx, CreateInput{ContentType: "text/plain", Public: true})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if res.Created {
		t.Fatal("expected Created=false on matching re-create")
	}
}

func TestStreamCreateConflictOnContentTypeMismatch(t *testing.T) {
	ctx := context.Background()
	s := testStream(t)

	if _, err := s.Create(ctx, CreateInput{ContentType: "text/plain", Public: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Create(ctx, CreateInput{ContentType: "application/json", Public: true})
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeContentTypeMismatch {
		t.Fatalf("expected CONTENT_TYPE_MISMATCH, got %v", err)
	}
}

func TestStreamCreateWithInitialBodyAndClose(t *testing.T) {
	ctx := context.Background()
	s := testStream(t)

	if _, err := s.Create(ctx, CreateInput{ContentType: "text/plain", Public: true, Body: []byte("first"), Close: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	read, err := s.Read(ctx, offsetv.Zero)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Payloads) != 1 || string(read.Payloads[0]) != "first" {
		t.Fatalf("unexpected payloads: %+v", read.Payloads)
	}
	if !read.Closed {
		t.Fatal("expected Closed=true")
	}

	if _, err := s.Append(ctx, AppendInput{Payload: []byte("second")}); err == nil {
		t.Fatal("expected append to a closed stream to fail")
	}
}

func TestStreamAppendRejectsUnknownStream(t *testing.T) {
	ctx := context.Background()
	s := testStream(t)
	_, err := s.Append(ctx, AppendInput{Payload: []byte("x")})
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeStreamNotFound {
		t.Fatalf("expected STREAM_NOT_FOUND, got %v", err)
	}
}

func TestStreamAppendIdempotentProducer(t *testing.T) {
	ctx := context.Background()
	s := testStream(t)
	if _, err := s.Create(ctx, CreateInput{ContentType: "text/plain", Public: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	prod := ProducerHeaders{ID: "p1", Epoch: 0, Seq: 0, Present: true}
	first, err := s.Append(ctx, AppendInput{Payload: []byte("a"), Producer: prod})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := s.Append(ctx, AppendInput{Payload: []byte("a-retry"), Producer: prod})
	if err != nil {
		t.Fatalf("retry Append: %v", err)
	}
	if second.Offset != first.Offset {
		t.Fatalf("expected duplicate append to return the original offset, got %+v vs %+v", second.Offset, first.Offset)
	}
	if second.ProducerReceivedSeq == nil || *second.ProducerReceivedSeq != 0 {
		t.Fatalf("expected ProducerReceivedSeq=0, got %v", second.ProducerReceivedSeq)
	}

	read, err := s.Read(ctx, offsetv.Zero)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Payloads) != 1 {
		t.Fatalf("expected the duplicate to be a no-op, got %d payloads", len(read.Payloads))
	}
}

func TestStreamAppendProducerGap(t *testing.T) {
	ctx := context.Background()
	s := testStream(t)
	if _, err := s.Create(ctx, CreateInput{ContentType: "text/plain", Public: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	prod := ProducerHeaders{ID: "p1", Epoch: 0, Seq: 0, Present: true}
	if _, err := s.Append(ctx, AppendInput{Payload: []byte("a"), Producer: prod}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	gapped := ProducerHeaders{ID: "p1", Epoch: 0, Seq: 2, Present: true}
	_, err := s.Append(ctx, AppendInput{Payload: []byte("b"), Producer: gapped})
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeProducerSequenceGap {
		t.Fatalf("expected PRODUCER_SEQUENCE_GAP, got %v", err)
	}
}

func TestStreamRotationMovesOpsToColdStorage(t *testing.T) {
	ctx := context.Background()
	s := testStream(t)
	if _, err := s.Create(ctx, CreateInput{ContentType: "text/plain", Public: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte('x')
	}
	count := SegmentMaxBytes/len(payload) + 10
	for i := 0; i < count; i++ {
		if _, err := s.Append(ctx, AppendInput{Payload: payload}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	segs, err := s.hot.ListSegments(ctx)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) == 0 {
		t.Fatal("expected at least one rotated segment")
	}

	read, err := s.Read(ctx, offsetv.Zero)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Payloads) == 0 {
		t.Fatal("expected Read to merge cold segments back in")
	}
}

func TestStreamDeleteThenNotFound(t *testing.T) {
	ctx := context.Background()
	s := testStream(t)
	if _, err := s.Create(ctx, CreateInput{ContentType: "text/plain", Public: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err := s.Append(ctx, AppendInput{Payload: []byte("x")})
	e, ok := engineerr.As(err)
	if !ok || e.Code != engineerr.CodeStreamNotFound {
		t.Fatalf("expected STREAM_NOT_FOUND after delete, got %v", err)
	}
}
