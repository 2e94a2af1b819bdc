package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/output"
)

func newIngestCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Record documents and request their indexes",
		Long: `Read files (or every document below a directory) into the state store and
request every enabled index for them. Unchanged files only request indexes
they are missing. Document ids are paths relative to --root.

ingest does not build indexes; run 'amanidx reconcile' or 'amanidx serve'.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, root, args)
		},
	}

	cmd.Flags().StringVar(&root, "root", ".", "Directory document ids are relative to")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, root string, paths []string) error {
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

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return errors.ValidationError("resolve --root", err)
	}

	out := output.New(cmd.OutOrStdout())
	var failed int
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return errors.ValidationError("resolve "+p, err)
		}
		rel, err := filepath.Rel(absRoot, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			out.Errorf("%s is outside %s", p, absRoot)
			failed++
			continue
		}

		info, err := os.Stat(abs)
		if err != nil {
			out.Errorf("%s: %v", p, err)
			failed++
			continue
		}
		if info.IsDir() {
			sum, err := ing.IngestDir(ctx, absRoot, abs, watchOptions(cfg))
			if err != nil {
				return err
			}
			out.Successf("%s: %d seen, %d changed, %d failed", p, sum.Seen, sum.Changed, sum.Failed)
			failed += sum.Failed
			continue
		}

		res, err := ing.IngestFile(ctx, absRoot, rel)
		if err != nil {
			out.Errorf("%s: %v", p, err)
			failed++
			continue
		}
		switch {
		case res.Changed:
			out.Successf("%s: requested %s", res.DocumentID, joinTypes(res.Requested))
		case len(res.Requested) > 0:
			out.Successf("%s: unchanged, requested missing %s", res.DocumentID, joinTypes(res.Requested))
		default:
			out.Statusf("·", "%s: unchanged", res.DocumentID)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d document(s) could not be ingested", failed)
	}
	return nil
}
