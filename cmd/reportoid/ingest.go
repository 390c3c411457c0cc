package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/atomoutput/reportoid/internal/types"
)

// ticketFile is the object form of a ticket file. A bare array of tickets
// is accepted as well.
type ticketFile struct {
	Tickets []types.Ticket `json:"tickets" yaml:"tickets"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Load ticket records into the database",
	Long: `Load ticket records from JSON or YAML files.

JSON files may contain comments and trailing commas. Each file holds either
an array of tickets or an object with a "tickets" array. Tickets already
stored with identical attributes are left alone; tickets stored with
different attributes are reported as conflicts and not modified.

Examples:
  reportoid ingest tickets.json
  reportoid ingest march.yaml april.yaml --analyze`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		analyzeAfter, _ := cmd.Flags().GetBool("analyze")

		var tickets []types.Ticket
		for _, path := range args {
			loaded, err := readTicketFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			tickets = append(tickets, loaded...)
		}

		ctx, cancel := commandContext()
		defer cancel()

		err := withWriterLock(func() error {
			res, err := engine.Ingest(ctx, tickets)
			if err != nil {
				return err
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Read %d tickets from %d file(s)\n", green("✓"), len(tickets), len(args))
			fmt.Printf("  Inserted:  %d\n", len(res.Inserted))
			fmt.Printf("  Unchanged: %d\n", len(res.Unchanged))
			if len(res.Conflicts) > 0 {
				fmt.Printf("  %s %d (%s)\n", color.YellowString("Conflicts:"),
					len(res.Conflicts), strings.Join(res.Conflicts, ", "))
			}

			if !analyzeAfter {
				return nil
			}
			fmt.Println()
			result, err := engine.Analyze(ctx)
			if err != nil {
				return err
			}
			printAnalysis(result)
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: ingestion failed: %v\n", err)
			os.Exit(1)
		}
	},
}

// readTicketFile decodes a ticket file. YAML is chosen by extension;
// everything else is read as JSON with comments.
func readTicketFile(path string) ([]types.Ticket, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var list []types.Ticket
		if err := yaml.Unmarshal(raw, &list); err == nil {
			return list, nil
		}
		var file ticketFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return file.Tickets, nil
	}

	data := bytes.TrimSpace(jsonc.ToJSON(raw))
	if len(data) > 0 && data[0] == '{' {
		var file ticketFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return file.Tickets, nil
	}
	var list []types.Ticket
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return list, nil
}

func init() {
	ingestCmd.Flags().Bool("analyze", false, "Run an analysis pass after loading")
	rootCmd.AddCommand(ingestCmd)
}
