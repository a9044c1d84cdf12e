package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/techdocs/internal/api"
	"github.com/kalambet/techdocs/internal/config"
	"github.com/kalambet/techdocs/internal/ingest"
	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/query"
	"github.com/kalambet/techdocs/internal/storage"
	"github.com/kalambet/techdocs/internal/watch"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.pdf>...",
	Short: "Upload PDF manuals for ingestion",
	Long: `Upload one or more PDF manuals to the running server.

Examples:
  techdocs ingest ./pump-manual.pdf
  techdocs ingest --wait ./manuals/*.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("at least one PDF file is required")
		}
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var failed int
		for _, path := range args {
			sub, err := client.uploadFile(ctx, path)
			if err != nil {
				failed++
				printError("%s: %v", path, domainError(err))
				continue
			}
			printSuccess("Queued %s (%d pages) as doc %s, task %s",
				sub.Document.Filename, sub.Document.PageCount, sub.Document.ID, sub.Task.ID)
			if wait {
				if err := waitForTask(ctx, client, sub.Task.ID); err != nil {
					failed++
					printError("%s: %v", path, err)
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().Bool("wait", false, "wait for each document to finish processing")
}

// domainError turns field-level 400 responses back into validation errors.
func domainError(err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.asValidation()
	}
	return err
}

// waitForTask polls a task until it reaches a terminal status.
func waitForTask(ctx context.Context, client *apiClient, taskID string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := -1
	for {
		var task api.TaskView
		if err := client.getJSON(ctx, "/tasks/"+url.PathEscape(taskID), &task); err != nil {
			return err
		}
		if task.Progress != last {
			printProgress(task.Progress, task.StageLabel)
			last = task.Progress
		}
		if pipeline.Stage(task.Status).Terminal() {
			finishProgress()
			switch pipeline.Stage(task.Status) {
			case pipeline.StageCompleted:
				printSuccess("Task %s completed", taskID)
				return nil
			case pipeline.StageEmpty:
				printWarning("Task %s finished: no extractable text", taskID)
				return nil
			case pipeline.StageCancelled:
				printWarning("Task %s cancelled", taskID)
				return nil
			}
			return fmt.Errorf("task %s failed: %s", taskID, task.Error)
		}
		select {
		case <-ctx.Done():
			finishProgress()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the ingested manuals",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		modeFlag, _ := cmd.Flags().GetString("mode")
		docs, _ := cmd.Flags().GetStringSlice("doc")

		req := query.Request{
			Question:    strings.Join(args, " "),
			SessionID:   session,
			DocumentIDs: docs,
		}
		if modeFlag != "" {
			m, err := query.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			req.Mode = &m
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ans, err := ask(cmd.Context(), client, req)
		if err != nil {
			return err
		}
		printAnswer(ans)
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "session ID for conversation history")
	askCmd.Flags().String("mode", "", "answer mode: hybrid, conversational or documentation")
	askCmd.Flags().StringSlice("doc", nil, "restrict retrieval to these document IDs")
}

// ask posts a question and, when generation fails with a regenerate token,
// retries once through /query/regenerate.
func ask(ctx context.Context, client *apiClient, req query.Request) (*query.Answer, error) {
	var ans query.Answer
	err := client.postJSON(ctx, "/query", req, &ans)
	if err == nil {
		return &ans, nil
	}

	var ae *apiError
	if !errors.As(err, &ae) || ae.RegenerateToken == "" {
		return nil, domainError(err)
	}
	printWarning("Answer generation failed (%s), regenerating", ae.Message)
	if err := client.postJSON(ctx, "/query/regenerate", map[string]string{"token": ae.RegenerateToken}, &ans); err != nil {
		return nil, err
	}
	return &ans, nil
}

func printAnswer(ans *query.Answer) {
	fmt.Println(ans.Answer)
	if ans.NoContext {
		printWarning("No relevant passages found in the manuals")
	}
	if len(ans.Sources) > 0 {
		fmt.Println()
		fmt.Println(colorize(colorBold, "Sources:"))
		for _, s := range ans.Sources {
			fmt.Printf("  %s p.%d  %s\n", s.Filename, s.Page, colorize(colorCyan, fmt.Sprintf("[%.3f]", s.Score)))
		}
	}
	if len(ans.FollowUps) > 0 {
		fmt.Println()
		fmt.Println(colorize(colorBold, "You might also ask:"))
		for _, f := range ans.FollowUps {
			fmt.Printf("  - %s\n", f)
		}
	}
	if ans.SessionID != "" {
		fmt.Fprintf(os.Stderr, "\nsession: %s\n", ans.SessionID)
	}
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var docs []api.DocumentView
		if err := client.getJSON(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit), &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-10s %4d pages  %s\n",
				colorize(colorCyan, d.ID),
				statusColor(d.Status),
				d.PageCount,
				d.Filename,
			)
		}
		return nil
	},
}

func init() {
	docsCmd.Flags().Int("limit", 100, "maximum number of documents to list")
}

func statusColor(status string) string {
	switch pipeline.Stage(status) {
	case pipeline.StageCompleted:
		return colorize(colorGreen, status)
	case pipeline.StageFailed:
		return colorize(colorRed, status)
	case pipeline.StageEmpty, pipeline.StageCancelled:
		return colorize(colorYellow, status)
	}
	return status
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Show an ingestion task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if wait {
			return waitForTask(cmd.Context(), client, args[0])
		}

		var task api.TaskView
		if err := client.getJSON(cmd.Context(), "/tasks/"+url.PathEscape(args[0]), &task); err != nil {
			return err
		}
		printStatus("Task", "%s", task.ID)
		printStatus("Document", "%s", task.DocumentID)
		printStatus("Status", "%s", statusColor(task.Status))
		printStatus("Progress", "%d%% %s", task.Progress, task.StageLabel)
		printStatus("Attempts", "%d", task.Attempts)
		if task.Error != "" {
			printStatus("Error", "%s", task.Error)
		}
		if task.CancelRequested {
			printStatus("Cancel", "requested")
		}
		return nil
	},
}

func init() {
	taskCmd.Flags().Bool("wait", false, "follow progress until the task finishes")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cancellation of an ingestion task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.postJSON(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
			return err
		}
		printSuccess("Cancellation requested for task %s", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <doc-id>",
	Short: "Delete a document and its indexed chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0])); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge base statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st statsResponse
		if err := client.getJSON(cmd.Context(), "/stats", &st); err != nil {
			return err
		}
		printStatus("Points", "%d", st.Points)
		printStatus("Documents", "%d", len(st.Documents))
		for status, n := range st.Tasks {
			printStatus("Tasks "+status, "%d", n)
		}
		for _, d := range st.Documents {
			points := 0
			if d.Points != nil {
				points = *d.Points
			}
			fmt.Printf("  %s  %6d points  %s\n", colorize(colorCyan, d.ID), points, d.Filename)
		}
		return nil
	},
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Upload PDFs dropped into a directory to the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg.Log)

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("Watching %s (Ctrl-C to stop)", args[0])
		return watch.New(args[0], &httpSubmitter{client: client}, watch.DefaultSettle, logger).Run(ctx)
	},
}

// httpSubmitter submits inbox files to a remote server.
type httpSubmitter struct {
	client *apiClient
}

func (s *httpSubmitter) Submit(ctx context.Context, u ingest.Upload) (*ingest.Submission, error) {
	sub, err := s.client.upload(ctx, u.Filename, u.Body)
	if err != nil {
		return nil, domainError(err)
	}
	return &ingest.Submission{
		Document: storage.Document{
			ID:        sub.Document.ID,
			Filename:  sub.Document.Filename,
			SizeBytes: sub.Document.SizeBytes,
			PageCount: sub.Document.PageCount,
			Status:    sub.Document.Status,
		},
		Task: storage.Task{
			ID:         sub.Task.ID,
			DocumentID: sub.Task.DocumentID,
			Status:     sub.Task.Status,
		},
	}, nil
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
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

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store an API key in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(config.NewSecretStore(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
		for _, k := range config.SecretKeys() {
			fmt.Printf("%s %s\n", k, colorize(colorYellow, "(secret)"))
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
	configCmd.AddCommand(configKeysCmd)
}
