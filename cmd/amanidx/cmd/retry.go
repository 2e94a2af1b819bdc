package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/output"
)

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <document-id> [index-type]...",
		Short: "Reset failed index rows so the next pass retries them",
		Long: `Move FAILED index rows of a document back to PENDING with a new version.
Without index types every failed row of the document is reset. Rows of a
deleted document go to DELETING instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(cmd.Context(), cmd, args[0], args[1:])
		},
	}
}

func runRetry(ctx context.Context, cmd *cobra.Command, docID string, names []string) error {
	types := make([]model.IndexType, 0, len(names))
	for _, name := range names {
		t := model.IndexType(name)
		if err := t.Validate(); err != nil {
			return errors.ValidationError("index type "+name, err)
		}
		types = append(types, t)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	n, err := s.ResetFailed(ctx, docID, types)
	if err != nil {
		return err
	}
	out := output.New(cmd.OutOrStdout())
	if n == 0 {
		out.Warningf("%s: no failed index rows", docID)
		return nil
	}
	out.Successf("%s: %d failed row(s) reset", docID, n)
	return nil
}
