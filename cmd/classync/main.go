// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/classync/classync/syncd"
	"github.com/classync/classync/synclite"
)

func main() {
	app := &cli.App{
		Name:  "classync",
		Usage: "Offline-first classroom sync client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the local SQLite database",
				Value:   "classync.db",
				EnvVars: []string{"CLASSYNC_DB"},
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Sync server base URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{"CLASSYNC_SERVER"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "JWT bearer token",
				EnvVars: []string{"CLASSYNC_TOKEN"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "sync",
				Usage:  "Push local changes and pull the latest snapshot",
				Action: runSync,
			},
			{
				Name:   "status",
				Usage:  "Show local record counts and pending uploads",
				Action: showStatus,
			},
			{
				Name:  "create",
				Usage: "Create a classroom locally; it uploads on the next sync",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Classroom name",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "subject",
						Usage: "Subject taught in this classroom",
					},
					&cli.StringFlag{
						Name:  "grade",
						Usage: "Grade level",
					},
				},
				Action: createClassroom,
			},
			{
				Name:  "attach",
				Usage: "Attach a scanned image file to a submission",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "submission",
						Usage:    "Submission ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "file",
						Usage:    "Path to the image file (JPEG or PNG)",
						Required: true,
					},
				},
				Action: attachImage,
			},
			{
				Name:  "delete",
				Usage: "Delete a record locally and queue the deletion for sync",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "table",
						Usage:    "Record table (classrooms, students, assignments, submissions, folders)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "id",
						Usage:    "Record ID",
						Required: true,
					},
				},
				Action: deleteRecord,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openClient(c *cli.Context) (*synclite.Client, *synclite.Store, error) {
	store, err := synclite.OpenStore(c.String("db"))
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	token := c.String("token")
	client, err := synclite.NewClient(store, store, store.Images(), c.String("server"),
		func(context.Context) (string, error) { return token, nil },
		nil, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return client, store, nil
}

func runSync(c *cli.Context) error {
	client, store, err := openClient(c)
	if err != nil {
		return err
	}
	defer store.Close()

	orch := synclite.NewOrchestrator(client, nil, nil)
	var bar *pb.ProgressBar
	orch.Progress = func(submissionID string, index, total int) {
		if bar == nil {
			bar = pb.StartNew(total)
		}
		bar.SetCurrent(int64(index))
	}

	err = orch.SyncNow(c.Context)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	status := orch.Status()
	fmt.Printf("Sync completed at %s\n", status.LastSyncTime.Format(time.RFC3339))
	if status.PendingCount > 0 {
		fmt.Printf("Pending uploads: %d\n", status.PendingCount)
	}
	return nil
}

func showStatus(c *cli.Context) error {
	client, store, err := openClient(c)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, table := range syncd.SyncedTables {
		records, err := store.List(c.Context, table)
		if err != nil {
			return err
		}
		fmt.Printf("%-12s %d\n", table, len(records))
	}

	pending, err := client.PendingCount(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Pending uploads: %d\n", pending)

	queued, err := store.ReadAll(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Queued deletions: %d\n", len(queued))
	return nil
}

func createClassroom(c *cli.Context) error {
	client, store, err := openClient(c)
	if err != nil {
		return err
	}
	defer store.Close()

	classroom := syncd.Classroom{
		ID:        uuid.NewString(),
		Name:      c.String("name"),
		Subject:   c.String("subject"),
		Grade:     c.String("grade"),
		UpdatedAt: time.Now().UnixMilli(),
	}
	record, err := json.Marshal(classroom)
	if err != nil {
		return err
	}
	if err := client.CreateRecord(c.Context, syncd.TableClassrooms, classroom.ID, record); err != nil {
		return err
	}

	fmt.Printf("Created classroom %s (%s)\n", classroom.Name, classroom.ID)
	return nil
}

func attachImage(c *cli.Context) error {
	client, store, err := openClient(c)
	if err != nil {
		return err
	}
	defer store.Close()

	submissionID := c.String("submission")
	raw, err := store.Get(c.Context, syncd.TableSubmissions, submissionID)
	if err != nil {
		return fmt.Errorf("submission %s not found locally: %w", submissionID, err)
	}
	var sub syncd.Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("failed to decode submission: %w", err)
	}

	data, err := os.ReadFile(c.String("file"))
	if err != nil {
		return err
	}
	if err := store.Images().Put(c.Context, &synclite.CachedImage{
		SubmissionID: submissionID,
		ContentType:  http.DetectContentType(data),
		Data:         data,
	}); err != nil {
		return err
	}

	sub.Status = syncd.StatusScanned
	sub.UpdatedAt = time.Now().UnixMilli()
	updated, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := client.CreateRecord(c.Context, syncd.TableSubmissions, submissionID, updated); err != nil {
		return err
	}

	fmt.Printf("Attached %s to submission %s; run 'classync sync' to upload\n", c.String("file"), submissionID)
	return nil
}

func deleteRecord(c *cli.Context) error {
	client, store, err := openClient(c)
	if err != nil {
		return err
	}
	defer store.Close()

	table := c.String("table")
	valid := false
	for _, t := range syncd.SyncedTables {
		if t == table {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown table %q", table)
	}

	if err := client.DeleteRecord(c.Context, table, c.String("id")); err != nil {
		return err
	}
	fmt.Printf("Deleted %s/%s locally; deletion will sync on the next cycle\n", table, c.String("id"))
	return nil
}
