package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/output"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Delete documents and schedule removal of their indexes",
		Long: `Mark documents deleted and move their index rows to DELETING. The next
reconcile pass removes the index entries and then the rows themselves.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd.Context(), cmd, args)
		},
	}
}

func runDelete(ctx context.Context, cmd *cobra.Command, ids []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ing, err := newIngester(s, cfg, nil)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	var failed int
	for _, id := range ids {
		n, err := ing.Remove(ctx, id)
		switch {
		case errors.Is(err, errors.ErrNotFound):
			out.Warningf("%s: no such document", id)
			failed++
		case err != nil:
			out.Errorf("%s: %v", id, err)
			failed++
		default:
			out.Successf("%s: %d index row(s) marked for deletion", id, n)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d document(s) could not be deleted", failed)
	}
	return nil
}
