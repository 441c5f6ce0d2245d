package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alpkeskin/gotoon"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/kalambet/tagtime/internal/api"
	"github.com/kalambet/tagtime/internal/config"
	"github.com/kalambet/tagtime/internal/pingfile"
	"github.com/kalambet/tagtime/internal/prompt"
	"github.com/kalambet/tagtime/internal/schedule"
)

var now = time.Now

// --- output formats ---

type outputFlags struct {
	json bool
	toon bool
}

func (o *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.json, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&o.toon, "toon", false, "output as TOON")
	cmd.MarkFlagsMutuallyExclusive("json", "toon")
}

// write renders v as JSON or TOON when asked and reports whether it did.
func (o *outputFlags) write(w io.Writer, v any) (bool, error) {
	switch {
	case o.json:
		output, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(output))
		return true, nil
	case o.toon:
		output, err := gotoon.Encode(v)
		if err != nil {
			return true, fmt.Errorf("failed to encode Toon: %w", err)
		}
		fmt.Fprintln(w, output)
		return true, nil
	}
	return false, nil
}

var timeFlagLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"}

// parseTimeFlag accepts RFC3339, local date-times, or UNIX seconds. Empty means now.
func parseTimeFlag(s string) (int64, error) {
	if s == "" {
		return now().UnixMilli(), nil
	}
	if secs, err := cast.ToInt64E(s); err == nil {
		if secs > schedule.MaxTime/1000 {
			return 0, fmt.Errorf("time %d is past the last supported second %d", secs, schedule.MaxTime/1000)
		}
		return secs * 1000, nil
	}
	for _, layout := range timeFlagLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("cannot parse time %q", s)
}

// --- next / prev ---

var (
	nextCount  int
	nextAfter  string
	nextOutput outputFlags
)

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show upcoming ping times",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		after, err := parseTimeFlag(nextAfter)
		if err != nil {
			return err
		}
		sched, err := newSchedule(cfg)
		if err != nil {
			return err
		}

		count := max(nextCount, 1)
		times := make([]int64, 0, count)
		t := after
		for range count {
			t = sched.Next(t)
			times = append(times, t)
		}

		if done, err := nextOutput.write(cmd.OutOrStdout(), times); done {
			return err
		}
		for _, t := range times {
			fmt.Fprintln(cmd.OutOrStdout(), pingLabel(t, now()))
		}
		return nil
	},
}

var prevBefore string

var prevCmd = &cobra.Command{
	Use:   "prev",
	Short: "Show the latest ping time before now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		before, err := parseTimeFlag(prevBefore)
		if err != nil {
			return err
		}
		sched, err := newSchedule(cfg)
		if err != nil {
			return err
		}

		t, ok := sched.Prev(before)
		if !ok {
			printWarning("No ping before %s", time.UnixMilli(before).Format(time.RFC3339))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), pingLabel(t, now()))
		return nil
	},
}

func init() {
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 1, "number of pings to show")
	nextCmd.Flags().StringVar(&nextAfter, "after", "", "start from this time instead of now")
	nextOutput.register(nextCmd)
	prevCmd.Flags().StringVar(&prevBefore, "before", "", "look before this time instead of now")
}

// --- answer / dismiss ---

var (
	answerID      string
	answerComment string
	dismissID     string
)

// outstandingID returns id, or the ID of the prompt the daemon is waiting on.
func outstandingID(ctx context.Context, client *apiClient, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	resp, err := client.get(ctx, "/prompt")
	if err != nil {
		return "", err
	}
	var p prompt.Payload
	if err := decodeJSON(resp, &p); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return "", errors.New("no prompt is waiting for an answer")
		}
		return "", err
	}
	return p.ID, nil
}

var answerCmd = &cobra.Command{
	Use:   "answer <tags...>",
	Short: "Answer the outstanding prompt",
	Long: `Answer the outstanding prompt with tags and an optional comment.

Tags may be separated by spaces or commas. A lone " repeats the tags of
the previous ping.

Examples:
  tagtime answer work code --comment "reviewing"
  tagtime answer '"'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		id, err := outstandingID(ctx, client, answerID)
		if err != nil {
			return err
		}

		resp, err := client.post(ctx, "/prompt/"+id+"/answer", api.AnswerRequest{Tags: args, Comment: answerComment})
		if err != nil {
			return err
		}
		var p prompt.Prompt
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		printSuccess("Logged %s: %s", time.UnixMilli(p.Time).Format("15:04:05"), strings.Join(p.Tags, " "))
		return nil
	},
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss",
	Short: "Close the outstanding prompt without answering",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		id, err := outstandingID(ctx, client, dismissID)
		if err != nil {
			return err
		}

		resp, err := client.post(ctx, "/prompt/"+id+"/dismiss", nil)
		if err != nil {
			return err
		}
		var p prompt.Prompt
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		printSuccess("Dismissed; logged %s", strings.Join(p.Tags, " "))
		return nil
	},
}

func init() {
	answerCmd.Flags().StringVar(&answerID, "id", "", "prompt ID (default: the outstanding prompt)")
	answerCmd.Flags().StringVarP(&answerComment, "comment", "c", "", "comment to log with the tags")
	dismissCmd.Flags().StringVar(&dismissID, "id", "", "prompt ID (default: the outstanding prompt)")
}

// --- log / tags ---

var (
	logLimit  int
	logOutput outputFlags
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the latest pings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		j, err := openJournal(cfg, journalOptions{})
		if err != nil {
			return err
		}
		pings, err := j.Recent(logLimit)
		if err != nil {
			return err
		}
		if pings == nil {
			pings = []pingfile.Ping{}
		}

		if done, err := logOutput.write(cmd.OutOrStdout(), pings); done {
			return err
		}
		if len(pings) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pings logged yet.")
			return nil
		}
		for _, p := range pings {
			line := fmt.Sprintf("%s  %s",
				colorize(colorCyan, p.Timestamp().Format("2006-01-02 15:04:05 Mon")),
				strings.Join(p.Tags, " "))
			if c := pingfile.UnannotateComment(p.Comment); c != "" {
				line += "  " + colorize(colorYellow, "["+c+"]")
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var tagsOutput outputFlags

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List tags, most used first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		j, err := openJournal(cfg, journalOptions{})
		if err != nil {
			return err
		}
		tags, err := j.TagsOrdered()
		if err != nil {
			return err
		}
		if tags == nil {
			tags = []pingfile.TagCount{}
		}

		if done, err := tagsOutput.write(cmd.OutOrStdout(), tags); done {
			return err
		}
		if len(tags) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tags found.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Found %d tag(s):\n\n", len(tags))
		for _, t := range tags {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-30s %5d\n", t.Tag, t.Count)
		}
		return nil
	},
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "number of pings to show (0 for all)")
	logOutput.register(logCmd)
	tagsOutput.register(tagsCmd)
}

// --- catchup / check / edit ---

var catchupDryRun bool

var catchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Fill in pings missed while tagtime was not running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		j, err := openJournal(cfg, journalOptions{})
		if err != nil {
			return err
		}
		till := now().UnixMilli()

		if catchupDryRun {
			pending, err := j.PendingCatchUp(till)
			if err != nil {
				return err
			}
			for _, t := range pending {
				fmt.Fprintln(cmd.OutOrStdout(), pingLabel(t, now()))
			}
			printStep("%d ping(s) would be logged with %s", len(pending), strings.Join(j.CancelTags(), " "))
			return nil
		}

		n, err := j.CatchUp(till)
		if err != nil {
			return fmt.Errorf("catch-up stopped after %d ping(s): %w", n, err)
		}
		if n == 0 {
			printSuccess("Nothing to catch up")
			return nil
		}
		printSuccess("Logged %d missed ping(s) with %s", n, strings.Join(j.CancelTags(), " "))
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "List lines of the ping log that are not valid pings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		j, err := openJournal(cfg, journalOptions{})
		if err != nil {
			return err
		}
		entries, err := j.Entries()
		if err != nil {
			return err
		}

		bad := 0
		for _, e := range entries {
			if e.OK {
				continue
			}
			bad++
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%d: %s\n", j.Path(), e.Line, e.Raw)
		}
		if bad > 0 {
			return fmt.Errorf("%d malformed line(s) out of %d", bad, len(entries))
		}
		printSuccess("%d line(s), all valid", len(entries))
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the ping log in your editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := editorCommand(cfg, cfg.Ping.File)
		if err != nil {
			return err
		}
		if err := c.Run(); err != nil {
			return fmt.Errorf("editor exited with error: %w", err)
		}
		return nil
	},
}

func init() {
	catchupCmd.Flags().BoolVar(&catchupDryRun, "dry-run", false, "list the pings that would be logged")
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the ping log over MCP on stdio",
	Long: `Serve the ping log to an MCP client over stdin/stdout without starting
the daemon. Prompts are only available through a running daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		j, err := openJournal(cfg, journalOptions{})
		if err != nil {
			return err
		}
		s := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Journal: j}))
		if err := s.Listen(cmd.Context(), os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
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
		if err := cfg.Validate(); err != nil {
			printWarning("%v", err)
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
		notifyDaemon(key)
		return nil
	},
}

// scheduleKeys are picked up by a running daemon on SIGHUP. Other ping.
// settings need a restart.
var scheduleKeys = map[string]bool{
	"ping.period": true,
	"ping.seed":   true,
	"ping.start":  true,
}

func notifyDaemon(key string) {
	switch {
	case scheduleKeys[key]:
		reloaded, err := reloadDaemon()
		if err != nil {
			printWarning("%v; restart the daemon for the change to take effect", err)
		} else if reloaded {
			printStep("Asked the running daemon to reload its schedule")
		}
	case strings.HasPrefix(key, "ping."):
		printWarning("Restart the daemon for the change to take effect")
	}
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		notifyDaemon(args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
