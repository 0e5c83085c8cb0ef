package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"tasklance/domain"
)

// Activity is one audit record of a committed mutation.
type Activity struct {
	ProjectID string           `json:"projectId"`
	Kind      domain.EventKind `json:"kind"`
	ActorID   string           `json:"actorId"`
	EntityID  string           `json:"entityId,omitempty"`
	At        time.Time        `json:"at"`
}

type enqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// ActivityQueue appends activity records to an Azure storage queue for
// downstream feeds.
type ActivityQueue struct {
	queue enqueuer
}

// NewActivityQueue connects to the named queue.
func NewActivityQueue(connStr, queueName string) (*ActivityQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &ActivityQueue{queue: q}, nil
}

// Record enqueues a single activity.
func (a *ActivityQueue) Record(ctx context.Context, act Activity) error {
	data, err := sonic.Marshal(act)
	if err != nil {
		return err
	}
	_, err = a.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
