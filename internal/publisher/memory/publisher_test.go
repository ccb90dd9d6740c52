package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

func TestPublisherCapturesEncodedEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	event := collector.RecordEvent{
		RunID:     "run-1",
		SourceID:  "cam1",
		Category:  "weatherusa",
		Location:  "memory://cam1/x.json.gz",
		Timestamp: time.Date(2024, 5, 1, 3, 4, 5, 0, time.UTC),
	}
	id, err := pub.Publish(context.Background(), "skycam-records", event)
	if err != nil || id != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 1 || msgs[0].Topic != "skycam-records" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	want := `{"run_id":"run-1","source":"cam1","category":"weatherusa","location":"memory://cam1/x.json.gz","timestamp":"2024-05-01T03:04:05Z"}`
	if string(msgs[0].Data) != want {
		t.Fatalf("payload = %s", msgs[0].Data)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFailure(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.Err = errors.New("topic not found")
	if _, err := pub.Publish(context.Background(), "t", "x"); err == nil {
		t.Fatal("expected error")
	}
	if len(pub.Messages()) != 0 {
		t.Fatal("failed publish should not be captured")
	}
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	if _, err := New().Publish(context.Background(), "t", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
