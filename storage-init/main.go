package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"tasklance/config"
	"tasklance/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Bool("DEBUG", false) {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")
	ctx := context.Background()

	if cfg.String("STORAGE_BACKEND", storage.BackendTables) == storage.BackendSQLite {
		// Opening the store applies the schema.
		path := cfg.String("SQLITE_PATH", "tasklance.db")
		store, err := storage.NewSQLStore(path)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		_ = store.Close()
		log.WithField("path", path).Info("storage init complete")
		return
	}

	if err := cfg.Required("STORAGE_CONNECTION_STRING", "BOARD_TABLE", "INDEX_TABLE"); err != nil {
		log.Fatal(err)
	}
	connStr := cfg.String("STORAGE_CONNECTION_STRING", "")

	if err := createTables(ctx, connStr, []string{
		cfg.String("BOARD_TABLE", ""),
		cfg.String("INDEX_TABLE", ""),
	}); err != nil {
		log.Fatalf("create tables: %v", err)
	}

	if err := createQueues(ctx, connStr, []string{
		cfg.String("ACTIVITY_QUEUE", ""),
	}); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
		log.WithField("queue", name).Debug("queue ready")
	}
	return nil
}
