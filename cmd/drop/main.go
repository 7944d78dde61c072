package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"drop-go/internal/app"
	"drop-go/internal/config"
	"drop-go/internal/drop"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a DropApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Upload", "Sweep").
func newApp(ctx context.Context, operation, parameters string) (*app.DropApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewDropApp(ctx, cfg, operation, parameters)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func deviceID(cmd *cobra.Command) string {
	device, _ := cmd.Flags().GetString("device")
	if device != "" {
		return device
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func bytesOf(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

var rootCmd = &cobra.Command{
	Use:          "drop",
	Short:        "Content-addressed file drop with background dedup",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Storage:    %s %s (max upload %s)\n", cfg.Storage.Type, cfg.Storage.Root, bytesOf(cfg.Storage.MaxUploadSize))
		fmt.Printf("Database:   %s\n", cfg.Database.Type)
		fmt.Printf("Hashing:    %s, %d workers, lease %s\n", cfg.Hashing.Algorithm, cfg.Hashing.Workers, cfg.Hashing.LeaseTimeout)
		fmt.Printf("Reclaim:    every %s, failed retention %s\n", cfg.Reclaim.Interval, cfg.Reclaim.FailedRetention)
		fmt.Printf("Backup:     %s\n", cfg.Backup.Type)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nProblems:\n%v\n", err)
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run hash workers and the periodic sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Serve", "")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

// upload command
var uploadCmd = &cobra.Command{
	Use:   "upload PATH",
	Short: "Upload a file or the files in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")
		ctx := cmd.Context()

		a, err := newApp(ctx, "Upload", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.Upload(ctx, args[0], recursive, deviceID(cmd))
		if err != nil {
			return err
		}

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Printf("FAIL  %s: %v\n", r.Path, r.Err)
				continue
			}
			fmt.Printf("#%d  file %d  %8s  %s  %s\n", r.Receipt.MessageID, r.Receipt.FileID, bytesOf(r.Receipt.Size), r.Receipt.MimeType, r.Path)
		}
		fmt.Printf("Uploaded %d file(s)\n", len(results)-failed)
		if failed > 0 {
			return fmt.Errorf("%d upload(s) failed", failed)
		}
		return nil
	},
}

// text command
var textCmd = &cobra.Command{
	Use:   "text MESSAGE",
	Short: "Record a text message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Text", "")
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.Text(ctx, args[0], deviceID(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("Message #%d recorded\n", m.ID)
		return nil
	},
}

// attach command
var attachCmd = &cobra.Command{
	Use:   "attach FILE_ID NAME",
	Short: "Send an existing file again under a new name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, "Attach", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.Attach(ctx, fileID, args[1], deviceID(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("Message #%d references file %d\n", m.ID, m.FileID)
		return nil
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete MESSAGE_ID",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, "Delete", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Message #%d deleted\n", id)
		return nil
	},
}

// hash command
var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Process pending hashing tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		ctx := cmd.Context()
		a, err := newApp(ctx, "Hash", "")
		if err != nil {
			return err
		}
		defer a.Close()

		var results []*drop.Resolution
		if all {
			results, err = a.HashAll(ctx)
		} else {
			var res *drop.Resolution
			res, err = a.HashNext(ctx)
			if res != nil {
				results = append(results, res)
			}
		}
		for _, r := range results {
			printResolution(r)
		}
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No pending tasks.")
		}
		return nil
	},
}

func printResolution(r *drop.Resolution) {
	switch r.Outcome {
	case drop.OutcomeNew:
		fmt.Printf("file %d  new        %s\n", r.FileID, r.Digest)
	case drop.OutcomeDuplicate:
		fmt.Printf("file %d  duplicate  of file %d\n", r.FileID, r.CanonicalID)
	default:
		retry := ""
		if r.Retry {
			retry = " (will retry)"
		}
		fmt.Printf("file %d  failed%s\n", r.FileID, retry)
	}
}

// sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim storage of unreferenced files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Sweep", "")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Visited %d, reclaimed %d, expired %d, shared %d\n", report.Visited, report.Reclaimed, report.Expired, report.Shared)
		for _, e := range report.Errors {
			fmt.Printf("  error: %v\n", e)
		}
		return nil
	},
}

// recover command
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Repair state left behind by a crash",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Recover", "")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Recover(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Placed %d, placement failed %d, orphans removed %d\n", report.Placed, report.PlacementFailed, report.OrphansRemoved)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Status", "")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Stats(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Files:")
		for _, st := range []drop.HashStatus{drop.HashPending, drop.HashProcessing, drop.HashCompleted, drop.HashFailed} {
			fmt.Printf("  %-11s %s\n", st, humanize.Comma(s.FilesByStatus[st]))
		}
		fmt.Printf("  %-11s %s\n", "tombstoned", humanize.Comma(s.Tombstoned))
		fmt.Println("Tasks:")
		for _, st := range []drop.TaskStatus{drop.TaskPending, drop.TaskProcessing, drop.TaskCompleted, drop.TaskFailed} {
			fmt.Printf("  %-11s %s\n", st, humanize.Comma(s.TasksByStatus[st]))
		}
		fmt.Printf("Messages:     %s (%s deleted)\n", humanize.Comma(s.Messages), humanize.Comma(s.DeletedMsgs))
		fmt.Printf("Logical:      %s\n", bytesOf(s.LogicalBytes))
		fmt.Printf("Physical:     %s\n", bytesOf(s.PhysicalBytes))
		fmt.Printf("Saved:        %s\n", bytesOf(s.SavedBytes()))
		if s.UnplacedFiles > 0 || s.PendingReclaim > 0 {
			fmt.Printf("Unplaced:     %d\nTo reclaim:   %d\n", s.UnplacedFiles, s.PendingReclaim)
		}
		return nil
	},
}

// file command
var fileCmd = &cobra.Command{
	Use:   "file ID",
	Short: "Show a file, or write its content with --output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()
		a, err := newApp(ctx, "File", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		if output != "" {
			out, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer out.Close()
			f, err := a.Download(ctx, id, out)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s to %s\n", bytesOf(f.Size), output)
			return nil
		}

		f, err := a.File(ctx, id)
		if err != nil {
			return err
		}
		if f.ID != id {
			fmt.Printf("File %d was merged into file %d\n", id, f.ID)
		}
		fmt.Printf("ID:          %d\n", f.ID)
		fmt.Printf("Status:      %s\n", f.HashStatus)
		fmt.Printf("Digest:      %s\n", f.Digest)
		fmt.Printf("Size:        %s\n", bytesOf(f.Size))
		fmt.Printf("Type:        %s (%s)\n", f.MimeType, f.Category)
		fmt.Printf("References:  %d\n", f.ReferenceCount)
		fmt.Printf("Tombstone:   %v\n", f.Tombstone)
		fmt.Printf("Location:    %s\n", f.Location)
		fmt.Printf("Created:     %s\n", humanize.Time(f.CreatedAt))
		return nil
	},
}

// message command
var messageCmd = &cobra.Command{
	Use:   "message ID",
	Short: "Show a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, "Message", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.Message(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("ID:       %d\n", m.ID)
		fmt.Printf("Kind:     %s\n", m.Kind)
		fmt.Printf("Content:  %s\n", m.Content)
		if m.FileID != 0 {
			fmt.Printf("File:     %d\n", m.FileID)
		}
		fmt.Printf("Size:     %s\n", bytesOf(m.ContentSize))
		fmt.Printf("Device:   %s\n", m.DeviceID)
		fmt.Printf("Deleted:  %v\n", m.Deleted)
		fmt.Printf("Created:  %s\n", humanize.Time(m.CreatedAt))
		return nil
	},
}

// catalog command
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the catalog database",
}

var catalogMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Migrate", "")
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.Migrate()
		if err != nil {
			return err
		}
		fmt.Printf("Catalog schema at version %d\n", v)
		return nil
	},
}

var catalogBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the catalog to the backup target",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, _ := cmd.Flags().GetBool("list")
		ctx := cmd.Context()
		a, err := newApp(ctx, "Backup", "")
		if err != nil {
			return err
		}
		defer a.Close()

		if list {
			snaps, err := a.Backups(ctx)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("No backups.")
			}
			for _, s := range snaps {
				fmt.Printf("%s  %8s  %s\n", s.Name, bytesOf(s.Size), humanize.Time(s.ModifiedAt))
			}
			return nil
		}

		snap, err := a.Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Backed up catalog to %s (%s)\n", snap.Name, bytesOf(snap.Size))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("device", "", "Device id recorded with new messages (default: hostname)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// catalog subcommands
	catalogCmd.AddCommand(catalogMigrateCmd)
	catalogCmd.AddCommand(catalogBackupCmd)
	catalogBackupCmd.Flags().BoolP("list", "l", false, "List stored backups instead of creating one")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().BoolP("recursive", "r", false, "Recurse into subdirectories")
	rootCmd.AddCommand(textCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(hashCmd)
	hashCmd.Flags().BoolP("all", "a", false, "Process tasks until the queue is empty")
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(fileCmd)
	fileCmd.Flags().StringP("output", "o", "", "Write the file content to this path")
	rootCmd.AddCommand(messageCmd)
}
