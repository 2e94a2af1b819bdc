package cmd

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/output"
	"github.com/Aman-CERP/amanidx/internal/store"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status [document-id]",
		Short: "Show index row counts, documents, or one document's rows",
		Long: `Without arguments, show the number of index rows per status and every
document with its derived status. With a document id, show that document's
index rows: status, desired and observed version, and the last error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID := ""
			if len(args) == 1 {
				docID = args[0]
			}
			return runStatus(cmd.Context(), cmd, docID, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// statusReport is the --json form of status.
type statusReport struct {
	Specs     map[model.Status]int `json:"specs,omitempty"`
	Documents []documentReport     `json:"documents,omitempty"`
	Indexes   []specReport         `json:"indexes,omitempty"`
}

type documentReport struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Status  model.DocumentStatus `json:"status"`
	Deleted bool                 `json:"deleted"`
}

type specReport struct {
	IndexType       model.IndexType `json:"index_type"`
	Status          model.Status    `json:"status"`
	Version         int64           `json:"version"`
	ObservedVersion int64           `json:"observed_version"`
	Error           string          `json:"error,omitempty"`
	Payload         string          `json:"payload,omitempty"`
}

func runStatus(ctx context.Context, cmd *cobra.Command, docID string, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if docID != "" {
		return documentStatus(ctx, cmd, s, docID, jsonOutput)
	}

	counts, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	docs, err := s.ListDocuments(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		report := statusReport{Specs: counts, Documents: make([]documentReport, 0, len(docs))}
		for _, d := range docs {
			report.Documents = append(report.Documents, documentReport{
				ID: d.ID, Title: d.Title, Status: d.Status, Deleted: d.Deleted(),
			})
		}
		return encodeJSON(cmd, report)
	}

	out := output.New(cmd.OutOrStdout())
	out.Header("Index rows")
	out.StatusCounts(counts)
	out.Newline()
	out.Header("Documents")
	if len(docs) == 0 {
		out.Status("·", "no documents ingested")
		return nil
	}
	for _, d := range docs {
		out.Document(d)
	}
	return nil
}

func documentStatus(ctx context.Context, cmd *cobra.Command, s *store.SQLiteStore, docID string, jsonOutput bool) error {
	doc, err := s.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	rows, err := s.ListSpecs(ctx, docID)
	if err != nil {
		return err
	}

	if jsonOutput {
		report := statusReport{
			Documents: []documentReport{{ID: doc.ID, Title: doc.Title, Status: doc.Status, Deleted: doc.Deleted()}},
			Indexes:   make([]specReport, 0, len(rows)),
		}
		for _, r := range rows {
			report.Indexes = append(report.Indexes, specReport{
				IndexType: r.IndexType, Status: r.Status, Version: r.Version,
				ObservedVersion: r.ObservedVersion, Error: r.ErrorMessage, Payload: r.Payload,
			})
		}
		return encodeJSON(cmd, report)
	}

	out := output.New(cmd.OutOrStdout())
	out.Document(doc)
	out.SpecTable(rows)
	return nil
}

func encodeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinTypes(types []model.IndexType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
