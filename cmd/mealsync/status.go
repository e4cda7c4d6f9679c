package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"mealsync/internal/database"
	"mealsync/internal/export"
	"mealsync/internal/models"
	"mealsync/internal/worker"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending work and cache contents of the local store",
	RunE:  runStatus,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export cached meals and history to an XLSX workbook",
	RunE:  runExport,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the sqlite store and prune old snapshots",
	RunE:  runBackup,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().Int64("dead-letters", 0, "Also list up to N dead-lettered queue items (needs redis)")
	exportCmd.Flags().String("dir", "", "Output directory (default exports.path)")
	rootCmd.AddCommand(statusCmd, exportCmd, backupCmd)
}

type storeSummary struct {
	PendingUploads int                    `json:"pending_uploads"`
	QueueItems     int                    `json:"queue_items"`
	CachedRecords  map[string]int         `json:"cached_records"`
	Uploads        []pendingRow           `json:"uploads,omitempty"`
	DeadLetters    []models.SyncQueueItem `json:"dead_letters,omitempty"`
}

type pendingRow struct {
	ID        string    `json:"id"`
	File      string    `json:"file"`
	CreatedAt time.Time `json:"created_at"`
	Retries   int       `json:"retries"`
	LastError string    `json:"last_error,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	deadLimit, _ := cmd.Flags().GetInt64("dead-letters")
	ctx := cmd.Context()

	a, err := openApp(ctx, configPath, "status")
	if err != nil {
		return err
	}
	defer a.Close()

	pending, err := a.store.ListPendingUploads(ctx)
	if err != nil {
		return err
	}
	queue, err := a.store.ListQueueItems(ctx)
	if err != nil {
		return err
	}
	records, err := a.store.ListCachedRecords(ctx)
	if err != nil {
		return err
	}

	sum := storeSummary{PendingUploads: len(pending), QueueItems: len(queue), CachedRecords: map[string]int{}}
	for _, r := range records {
		sum.CachedRecords[string(r.Kind)]++
	}
	for _, p := range pending {
		sum.Uploads = append(sum.Uploads, pendingRow{
			ID: p.ID, File: p.Image.FileName, CreatedAt: p.CreatedAt, Retries: p.RetryCount, LastError: p.LastError,
		})
	}
	if deadLimit > 0 {
		if a.redis == nil {
			a.logger.Warn().Msg("redis not configured, dead letters unavailable")
		} else {
			sum.DeadLetters, err = worker.NewQueueDispatcher(a.store, nil, a.redis, &a.logger).DeadLetters(ctx, deadLimit)
			if err != nil {
				return err
			}
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	fmt.Printf("Pending uploads: %d\nQueue items:     %d\nCached records:  %d\n", sum.PendingUploads, sum.QueueItems, len(records))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if len(sum.Uploads) > 0 {
		fmt.Fprintln(tw, "\nID\tFILE\tCREATED\tRETRIES\tLAST ERROR")
		for _, u := range sum.Uploads {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", u.ID, u.File, u.CreatedAt.Format(time.DateTime), u.Retries, u.LastError)
		}
	}
	if len(sum.DeadLetters) > 0 {
		fmt.Fprintln(tw, "\nDEAD LETTER\tKIND\tRETRIES\tLAST ERROR")
		for _, d := range sum.DeadLetters {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.ID, d.Kind, d.RetryCount, d.LastError)
		}
	}
	return tw.Flush()
}

func runExport(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	ctx := cmd.Context()

	a, err := openApp(ctx, configPath, "export")
	if err != nil {
		return err
	}
	defer a.Close()

	if dir == "" {
		dir = a.cfg.Exports.Path
	}
	path, err := export.NewExporter(a.store, dir, &a.logger).Export(ctx)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runBackup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath, "backup")
	if err != nil {
		return err
	}
	defer a.Close()

	if a.backend.SQLite == nil {
		return fmt.Errorf("store backend %q has no local database to back up", a.cfg.Store.Backend)
	}
	svc := database.NewBackupService(a.backend.SQLite.Path(), a.cfg.Backup, &a.logger)
	path, err := svc.PerformBackup(ctx)
	if err != nil {
		return err
	}
	removed := svc.CleanupOldBackups()
	fmt.Printf("%s\n(removed %d old snapshots)\n", path, removed)
	return nil
}
