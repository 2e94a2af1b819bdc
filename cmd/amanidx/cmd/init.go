package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanidx/configs"
	"github.com/Aman-CERP/amanidx/internal/config"
	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/output"
)

func newInitCmd() *cobra.Command {
	var (
		user  bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration template",
		Long: `Write .amanidx.yaml in the working directory, or with --user the
machine-wide config. Every setting is listed with its default.`,
		Example: `  # Project config in the current directory
  amanidx init

  # Machine-wide config
  amanidx init --user

  # Overwrite an existing file
  amanidx init --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, template := config.ProjectConfigName, configs.ProjectConfigTemplate
			if user {
				path, template = config.GetUserConfigPath(), configs.UserConfigTemplate
			}
			return writeTemplate(output.New(cmd.OutOrStdout()), path, template, force)
		},
	}

	cmd.Flags().BoolVar(&user, "user", false, "Write the user config instead of the project config")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")

	return cmd
}

func writeTemplate(out *output.Writer, path, template string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.New(errors.ErrCodeInvalidInput, path+" already exists", nil).
			WithSuggestion("use --force to overwrite it")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.ConfigError("create config directory", err)
	}
	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		return errors.ConfigError("write "+path, err)
	}
	out.Successf("Wrote %s", path)
	return nil
}
