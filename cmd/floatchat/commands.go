package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/floatchat/floatchat/internal/api"
	"github.com/floatchat/floatchat/internal/config"
	"github.com/floatchat/floatchat/internal/export"
	"github.com/floatchat/floatchat/internal/feed"
	"github.com/floatchat/floatchat/internal/ocean"
)

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Submit and manage data exports",
}

var exportSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a data export",
	Long: `Submit a data export job and print its id.

Examples:
  floatchat export submit --parameters temperature,salinity
  floatchat export submit --format parquet --region indian --time-range 30d --wait
  floatchat export submit --format netcdf --parameters oxygen --compress`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		params, _ := cmd.Flags().GetStringSlice("parameters")
		timeRange, _ := cmd.Flags().GetString("time-range")
		region, _ := cmd.Flags().GetString("region")
		compress, _ := cmd.Flags().GetBool("compress")
		wait, _ := cmd.Flags().GetBool("wait")

		if len(params) == 0 {
			return fmt.Errorf("--parameters is required")
		}
		req := export.Request{
			Format:    export.Format(format),
			TimeRange: ocean.TimeRange(timeRange),
			Region:    ocean.Region(region),
			Compress:  compress,
		}
		for _, p := range params {
			req.Parameters = append(req.Parameters, ocean.Parameter(strings.TrimSpace(p)))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		id, err := submitExport(ctx, client, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		if !wait {
			printSuccess("Submitted export %s", id)
			return nil
		}

		job, err := waitExport(ctx, client, id, 250*time.Millisecond, func(j export.Job) {
			fmt.Fprintf(os.Stderr, "\r%s %s", progressBar(j.Progress, 30), j.Status)
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		return reportJob(job)
	},
}

var exportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List export jobs, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		list, err := listExports(cmd.Context(), client, limit)
		if err != nil {
			return err
		}
		if len(list.Jobs) == 0 {
			printStep("No export jobs")
			return nil
		}
		writeJobTable(cmd.OutOrStdout(), list.Jobs)
		if list.Total > len(list.Jobs) {
			printStatus("Showing", "%d of %d", len(list.Jobs), list.Total)
		}
		return nil
	},
}

var exportShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an export job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := getExport(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var exportCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running export job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := cancelExport(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Cancelled export %s at %d%%", job.ID, job.Progress)
		return nil
	},
}

var exportDownloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download a completed export artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := openDownload(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if output == "" {
			output = downloadFilename(resp, args[0])
		}
		var w io.Writer = cmd.OutOrStdout()
		if output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return fmt.Errorf("writing artifact: %w", err)
		}
		if output != "-" {
			printSuccess("Saved %s (%d bytes)", output, n)
		}
		return nil
	},
}

func init() {
	exportSubmitCmd.Flags().String("format", string(export.CSV), "output format: csv, json, netcdf, parquet")
	exportSubmitCmd.Flags().StringSlice("parameters", nil, "comma-separated parameters (temperature, salinity, pressure, oxygen, ph, chlorophyll)")
	exportSubmitCmd.Flags().String("time-range", string(ocean.Last7Days), "lookback window: 24h, 7d, 30d, 90d, 1y")
	exportSubmitCmd.Flags().String("region", string(ocean.Global), "region: global, indian, pacific, atlantic, equatorial")
	exportSubmitCmd.Flags().Bool("compress", false, "gzip the artifact")
	exportSubmitCmd.Flags().Bool("wait", false, "wait for the job to finish and show progress")
	exportListCmd.Flags().Int("limit", 20, "maximum number of jobs to show")
	exportDownloadCmd.Flags().StringP("output", "o", "", "output file path, - for stdout (default: server-provided name)")

	exportCmd.AddCommand(exportSubmitCmd)
	exportCmd.AddCommand(exportListCmd)
	exportCmd.AddCommand(exportShowCmd)
	exportCmd.AddCommand(exportCancelCmd)
	exportCmd.AddCommand(exportDownloadCmd)
}

func submitExport(ctx context.Context, c *apiClient, req export.Request) (string, error) {
	resp, err := c.post(ctx, "/api/export", req)
	if err != nil {
		return "", err
	}
	var out api.SubmitResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func listExports(ctx context.Context, c *apiClient, limit int) (api.JobList, error) {
	path := "/api/export"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return api.JobList{}, err
	}
	var list api.JobList
	if err := decodeJSON(resp, &list); err != nil {
		return api.JobList{}, err
	}
	return list, nil
}

func getExport(ctx context.Context, c *apiClient, id string) (export.Job, error) {
	resp, err := c.get(ctx, "/api/export/"+id)
	if err != nil {
		return export.Job{}, err
	}
	var job export.Job
	if err := decodeJSON(resp, &job); err != nil {
		return export.Job{}, err
	}
	return job, nil
}

func cancelExport(ctx context.Context, c *apiClient, id string) (export.Job, error) {
	resp, err := c.delete(ctx, "/api/export/"+id)
	if err != nil {
		return export.Job{}, err
	}
	var job export.Job
	if err := decodeJSON(resp, &job); err != nil {
		return export.Job{}, err
	}
	return job, nil
}

// waitExport polls a job until it is terminal, calling onUpdate whenever its
// progress or status changes.
func waitExport(ctx context.Context, c *apiClient, id string, interval time.Duration, onUpdate func(export.Job)) (export.Job, error) {
	var last export.Job
	for {
		job, err := getExport(ctx, c, id)
		if err != nil {
			return export.Job{}, err
		}
		if onUpdate != nil && (job.Progress != last.Progress || job.Status != last.Status) {
			onUpdate(job)
		}
		last = job
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func openDownload(ctx context.Context, c *apiClient, id string) (*http.Response, error) {
	resp, err := c.get(ctx, "/api/export/"+id+"/download")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func downloadFilename(resp *http.Response, id string) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		if name := filepath.Base(params["filename"]); name != "." && name != "/" && name != "" {
			return name
		}
	}
	return id
}

func reportJob(job export.Job) error {
	switch job.Status {
	case export.Completed:
		printSuccess("Export %s completed: %s (%d bytes)", job.ID, job.DownloadRef, job.SizeBytes)
		return nil
	case export.Failed:
		return fmt.Errorf("export %s failed: %s", job.ID, job.Error)
	}
	return nil
}

func writeJobTable(w io.Writer, jobs []export.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFORMAT\tSTATUS\tPROGRESS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n", j.ID, j.Format, j.Status, j.Progress, j.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printJob(job export.Job) {
	printStatus("ID", "%s", job.ID)
	printStatus("Status", "%s", job.Status)
	printStatus("Progress", "%s", progressBar(job.Progress, 30))
	printStatus("Format", "%s", job.Format)
	params := make([]string, len(job.Parameters))
	for i, p := range job.Parameters {
		params[i] = string(p)
	}
	printStatus("Parameters", "%s", strings.Join(params, ", "))
	printStatus("Time range", "%s", job.TimeRange)
	printStatus("Region", "%s", job.Region)
	printStatus("Created", "%s", job.CreatedAt.Local().Format(time.DateTime))
	if job.Error != "" {
		printStatus("Error", "%s", colorize(colorRed, job.Error))
	}
	if job.DownloadRef != "" {
		printStatus("Artifact", "%s (%d bytes)", job.DownloadRef, job.SizeBytes)
	}
}

// --- feed ---

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Live update stream",
}

var feedWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to the live update stream and print events",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if url == "" {
			url = cfg.Feed.URL
			if serverURL != "" {
				url = strings.TrimRight(serverURL, "/") + "/api/events"
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := feed.NewClient(&feed.SSEDialer{URL: url}, feed.Options{
			ReconnectDelay:    cfg.Feed.ReconnectDelay,
			MaxReconnectDelay: cfg.Feed.MaxReconnectDelay,
			MaxRetries:        cfg.Feed.MaxRetries,
			HistoryCapacity:   cfg.Feed.HistoryCapacity,
			Logger:            watchLogger(cmd.ErrOrStderr(), cfg.Log),
		})
		defer client.Close()

		printStep("Watching %s", url)
		return watchFeed(ctx, client, cmd.OutOrStdout())
	},
}

func init() {
	feedWatchCmd.Flags().String("url", "", "event stream URL (default: feed.url)")
	feedCmd.AddCommand(feedWatchCmd)
}

// watchLogger keeps reconnect warnings and failures visible on w without
// mixing info chatter into the printed updates.
func watchLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	if !strings.EqualFold(cfg.Level, "error") {
		cfg.Level = "warn"
	}
	return newLogger(w, cfg)
}

// watchFeed prints client updates to w until ctx is done or the client
// gives up reconnecting.
func watchFeed(ctx context.Context, client *feed.Client, w io.Writer) error {
	updates, unsubscribe := client.Subscribe(64)
	defer unsubscribe()
	client.Connect()

	state := feed.Disconnected
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.State != state {
				state = u.State
				if state == feed.Disconnected && u.Err == nil {
					printWarning("Connection dropped, reconnecting")
				} else {
					printStatus("Connection", "%s", state)
				}
			}
			if u.Event != nil {
				printEvent(w, *u.Event, u.Counters)
			}
			if errors.Is(u.Err, feed.ErrConnectionLost) {
				return u.Err
			}
		}
	}
}

func printEvent(w io.Writer, e feed.Event, c feed.Counters) {
	label := colorize(severityColor(string(e.Severity)), fmt.Sprintf("%-7s", e.Severity))
	fmt.Fprintf(w, "%s %s %-13s %s\n", e.Timestamp.Local().Format(time.TimeOnly), label, e.Kind, e.Message)
	if e.Kind == feed.EntityUpdate {
		fmt.Fprintf(w, "         floats %d (%d active), measurements %d\n", c.TotalFloats, c.ActiveFloats, c.TotalMeasurements)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
