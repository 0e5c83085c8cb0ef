package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"tasklance/domain"
)

type fakeQueue struct {
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestActivityQueueRecord(t *testing.T) {
	q := &fakeQueue{}
	sink := &ActivityQueue{queue: q}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := sink.Record(context.Background(), Activity{ProjectID: "p1", Kind: domain.TaskCreated, ActorID: "u1", EntityID: "t1", At: at}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(q.messages))
	}
	var got Activity
	if err := sonic.UnmarshalString(q.messages[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ProjectID != "p1" || got.Kind != domain.TaskCreated || got.EntityID != "t1" || !got.At.Equal(at) {
		t.Fatalf("unexpected activity: %#v", got)
	}
}

func TestActivityQueueRecordError(t *testing.T) {
	boom := errors.New("queue down")
	sink := &ActivityQueue{queue: &fakeQueue{err: boom}}
	if err := sink.Record(context.Background(), Activity{ProjectID: "p1"}); !errors.Is(err, boom) {
		t.Fatalf("expected queue error, got %v", err)
	}
}
