package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"mealsync/internal/models"
	"mealsync/internal/upload"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single synchronization pass and print the resulting status",
	Long: `Run one pass: drain pending uploads, refresh history and insights, drain
the sync queue and expire old cache entries. Waits up to --wait for the
network before giving up.`,
	RunE: runSync,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <image>...",
	Short: "Store photos as pending uploads for the next pass",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEnqueue,
}

func init() {
	syncCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for connectivity")
	syncCmd.Flags().Bool("json", false, "Output status as JSON")
	enqueueCmd.Flags().Bool("no-compress", false, "Upload the original file without compression")
	enqueueCmd.Flags().Float64("quality", 0, "JPEG quality 0..1 overriding the network tier")
	rootCmd.AddCommand(syncCmd, enqueueCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	wait, _ := cmd.Flags().GetDuration("wait")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	a, err := openApp(ctx, configPath, "sync-once")
	if err != nil {
		return err
	}
	defer a.Close()

	e := a.buildEngine(ctx)
	defer e.monitor.Close()

	if !e.monitor.IsOnline() {
		probeCtx, cancel := context.WithCancel(ctx)
		go e.probe.Run(probeCtx)
		online := e.monitor.WaitForConnection(ctx, wait)
		cancel()
		if !online {
			a.logger.Warn().Dur("waited", wait).Msg("still offline")
		}
	}

	st := e.sync.ForceSyncNow(ctx)
	return printStatus(st, jsonOutput)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	noCompress, _ := cmd.Flags().GetBool("no-compress")
	quality, _ := cmd.Flags().GetFloat64("quality")
	if quality < 0 || quality > 1 {
		return fmt.Errorf("quality must be between 0 and 1, got %v", quality)
	}
	opts := upload.DefaultOptions()
	opts.Compress = !noCompress
	opts.Quality = quality

	ctx := cmd.Context()
	a, err := openApp(ctx, configPath, "enqueue")
	if err != nil {
		return err
	}
	defer a.Close()

	e := a.buildEngine(ctx)
	defer e.monitor.Close()

	for _, path := range args {
		image, err := imageRef(path)
		if err != nil {
			return err
		}
		id, err := e.pipeline.Enqueue(ctx, image, opts)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", id, image.FileName)
	}
	return nil
}

func imageRef(path string) (models.ImageRef, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return models.ImageRef{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.ImageRef{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return models.ImageRef{}, fmt.Errorf("%s is a directory", path)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(abs))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return models.ImageRef{
		URI:      "file://" + abs,
		MimeType: mimeType,
		FileName: filepath.Base(abs),
		ByteSize: info.Size(),
	}, nil
}

func printStatus(st models.SyncStatus, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	last := "never"
	if st.LastSyncTimestamp != nil {
		last = st.LastSyncTimestamp.Format(time.RFC3339)
	}
	fmt.Printf("Last sync:  %s\n", last)
	fmt.Printf("Pending:    %d\n", st.PendingItemCount)
	if len(st.Errors) == 0 {
		fmt.Println("Errors:     none")
		return nil
	}
	fmt.Printf("Errors:     %d\n", len(st.Errors))
	for _, e := range st.Errors {
		fmt.Printf("  [%s/%s] %s\n      %s\n", e.Step, e.Class, e.Error(), models.UserMessage(&e))
	}
	return nil
}
