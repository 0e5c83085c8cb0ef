package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"tasklance/client"
)

func newRootCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "board-watch",
		Usage: "Follow a tasklance board from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Usage:   "Board API base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("TASKLANCE_API_URL"),
			},
			&cli.StringFlag{
				Name:    "stream",
				Usage:   "Stream service base URL",
				Value:   "http://localhost:9000",
				Sources: cli.EnvVars("TASKLANCE_STREAM_URL"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token",
				Sources: cli.EnvVars("TASKLANCE_TOKEN"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			newWatchCommand(out),
			newMoveCommand(out),
		},
	}
}

func newWatchCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Print the board each time it changes",
		ArgsUsage: "<project-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "ws",
				Usage: "Subscribe over WebSocket instead of SSE",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID := cmd.Args().First()
			if projectID == "" {
				return errors.New("project id is required")
			}
			transport := client.TransportSSE
			if cmd.Bool("ws") {
				transport = client.TransportWebSocket
			}
			token := cmd.String("token")
			store := client.NewBoardStore(client.NewAPI(cmd.String("api"), token, nil))
			events := client.NewEventStream(cmd.String("stream"), token, transport, nil, log.StandardLogger())

			var shown uint64
			release := store.Observe(func(s client.Snapshot) {
				switch {
				case s.Status == client.StatusFailed:
					log.WithError(s.Err).Warn("board reload failed")
				case s.Status == client.StatusIdle && s.Loaded && s.Version != shown:
					shown = s.Version
					printBoard(out, s.Board)
				}
			})
			defer release()

			r := client.NewReconciler(store, events, log.StandardLogger())
			if err := r.Mount(ctx, projectID); err != nil {
				r.Unmount()
				return fmt.Errorf("load board: %w", err)
			}
			<-ctx.Done()
			r.Unmount()
			return nil
		},
	}
}

func newMoveCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "move",
		Usage:     "Move a task to another list",
		ArgsUsage: "<project-id> <task-id> <list-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 3 {
				return errors.New("expected <project-id> <task-id> <list-id>")
			}
			projectID, taskID, listID := cmd.Args().Get(0), cmd.Args().Get(1), cmd.Args().Get(2)

			apiClient := client.NewAPI(cmd.String("api"), cmd.String("token"), nil)
			store := client.NewBoardStore(apiClient)
			if err := store.Load(ctx, projectID); err != nil {
				return fmt.Errorf("load board: %w", err)
			}
			drag := client.NewDragController(apiClient, store)
			if _, err := drag.Begin(taskID); err != nil {
				return err
			}
			moved, err := drag.Drop(ctx, listID)
			if err != nil {
				return err
			}
			if !moved {
				fmt.Fprintln(out, "nothing to move")
				return nil
			}
			printBoard(out, store.Snapshot().Board)
			return nil
		},
	}
}
