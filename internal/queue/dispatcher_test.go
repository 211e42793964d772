package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"axon/internal/task"
)

func TestSubmitFillsDefaultsAndWritesPendingStatus(t *testing.T) {
	broker := NewMemoryBroker()
	d := NewDispatcher(broker)
	ctx := context.Background()

	id, err := d.Submit(ctx, &task.Task{Description: "list the files"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatalf("submit returned empty id")
	}

	st, err := d.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != task.StatusPending || st.Attempt != 0 {
		t.Fatalf("fresh status: %+v", st)
	}

	entries, err := broker.ReadGroup(ctx, StreamName(task.TypeGeneral), ConsumerGroup, "c0", 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	var decoded task.Task
	if err := json.Unmarshal(entries[0].Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ID != id || decoded.MaxSteps != task.DefaultMaxSteps {
		t.Fatalf("decoded task: %+v", decoded)
	}
	if decoded.TimeoutSeconds != int(task.DefaultTimeout/time.Second) {
		t.Fatalf("timeout default not applied: %d", decoded.TimeoutSeconds)
	}
}

func TestSubmitRejectsInvalidTask(t *testing.T) {
	d := NewDispatcher(NewMemoryBroker())
	if _, err := d.Submit(context.Background(), &task.Task{}); err == nil {
		t.Fatalf("empty description should be rejected")
	}
	if _, err := d.Submit(context.Background(), &task.Task{Description: "x", Priority: 9}); err == nil {
		t.Fatalf("priority out of range should be rejected")
	}
}

func TestSubmitQueueUnavailable(t *testing.T) {
	broker := NewMemoryBroker()
	broker.FailAdds = true
	d := NewDispatcher(broker)

	_, err := d.Submit(context.Background(), &task.Task{Description: "x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	d := NewDispatcher(NewMemoryBroker())
	_, err := d.Status(context.Background(), "no-such-task")
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}
