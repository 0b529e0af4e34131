package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/eventkeep/eventkeep/internal/engine"
	"github.com/eventkeep/eventkeep/internal/logging"
	"github.com/eventkeep/eventkeep/pkg/types"
)

var (
	ingestBatch   int
	ingestChannel string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Store newline-delimited JSON messages",
	Long: `Read one message per line and store it. Each line is a JSON object
{"channel": "...", "event": {"id": "...", "type": "...", "timestamp": ..., ...}}.
Missing event ids are generated; a missing timestamp means now.
Conflicting ids are counted and skipped.

Examples:
  eventkeep ingest events.jsonl
  cat events.jsonl | eventkeep ingest --channel ingest`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().IntVar(&ingestBatch, "batch", 500, "Messages handed to the engine at once")
	ingestCmd.Flags().StringVar(&ingestChannel, "channel", "", "Channel for lines that do not name one")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	in := io.Reader(os.Stdin)
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("input file not found: %s", args[0])
		}
		defer f.Close()
		in = f
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, closeApp, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp()

	start := time.Now()
	summary, err := ingest(ctx, a.Engine(), in, ingestChannel, ingestBatch)
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), map[string]interface{}{
		"stored":    summary.Stored,
		"conflicts": summary.Conflicts,
		"failed":    summary.Failed,
		"elapsed":   time.Since(start).String(),
	})
}

// ingest stores every message read from r in batches of batchSize.
// Malformed lines count as failures.
func ingest(ctx context.Context, eng *engine.Engine, r io.Reader, channel string, batchSize int) (engine.Summary, error) {
	log := logging.Component("ingest")
	if batchSize <= 0 {
		batchSize = 1
	}

	var total engine.Summary
	batch := make([]types.Message, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		results, err := eng.StoreMessages(ctx, batch)
		if err != nil {
			return err
		}
		s := engine.Summarize(results)
		total.Stored += s.Stored
		total.Conflicts += s.Conflicts
		total.Failed += s.Failed
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		msg, err := decodeMessage([]byte(text), channel)
		if err != nil {
			log.Warn("skipping malformed line", "line", line, "error", err)
			total.Failed++
			continue
		}
		batch = append(batch, msg)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, fmt.Errorf("failed to read input: %w", err)
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func decodeMessage(data []byte, channel string) (types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	if msg.Channel == "" {
		msg.Channel = channel
	}
	if msg.Event.ID == "" {
		msg.Event.ID = uuid.NewString()
	}
	if msg.Event.Timestamp == 0 {
		msg.Event.Timestamp = time.Now().UnixMilli()
	}
	return msg, nil
}
