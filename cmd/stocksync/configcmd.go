package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/stocksync/stocksync/internal/config"
	"github.com/stocksync/stocksync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Show or write the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration after merging the config file,
STOCKSYNC_* environment variables and flags. Credentials are masked unless
--show-secrets is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		showSecrets, _ := cmd.Flags().GetBool("show-secrets")
		if cfg.File != "" {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# from "+cfg.File))
		}
		return cfg.Encode(os.Stdout, format, !showSecrets)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file",
	Long: `Write the effective configuration to a config file, by default
<data-dir>/config.yaml. The format follows the file extension (.yaml, .toml
or .json).

With --interactive, prompts for the identity and the remote backend first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("output")
		force, _ := cmd.Flags().GetBool("force")
		interactive, _ := cmd.Flags().GetBool("interactive")
		if path == "" {
			path = filepath.Join(cfg.DataDir, "config.yaml")
		}

		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		c := *cfg
		if interactive {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("--interactive needs a terminal")
			}
			if err := promptConfig(&c); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Aborted")
					return nil
				}
				return err
			}
		}
		if err := c.Validate(); err != nil {
			return err
		}
		if err := c.WriteFile(path); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

// promptConfig asks for the settings needed to reach a remote.
func promptConfig(c *config.Config) error {
	notEmpty := func(field string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", field)
			}
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Identity").
				Description("Whose inventory this device syncs").
				Value(&c.Identity).
				Validate(notEmpty("identity")),
			huh.NewSelect[string]().
				Title("Remote backend").
				Options(
					huh.NewOption("Directory", config.BackendFile),
					huh.NewOption("GitHub repository", config.BackendGitHub),
					huh.NewOption("S3 bucket", config.BackendS3),
				).
				Value(&c.Remote.Backend),
		),
		huh.NewGroup(
			huh.NewInput().Title("Remote directory").Value(&c.Remote.File.Dir).Validate(notEmpty("directory")),
		).WithHideFunc(func() bool { return c.Remote.Backend != config.BackendFile }),
		huh.NewGroup(
			huh.NewInput().Title("Repository owner").Value(&c.Remote.GitHub.Owner).Validate(notEmpty("owner")),
			huh.NewInput().Title("Repository name").Value(&c.Remote.GitHub.Repo).Validate(notEmpty("repository")),
			huh.NewInput().Title("Branch").Value(&c.Remote.GitHub.Branch),
			huh.NewInput().
				Title("Token").
				Description("Leave empty to read STOCKSYNC_REMOTE_GITHUB_TOKEN at run time").
				EchoMode(huh.EchoModePassword).
				Value(&c.Remote.GitHub.Token),
		).WithHideFunc(func() bool { return c.Remote.Backend != config.BackendGitHub }),
		huh.NewGroup(
			huh.NewInput().Title("Bucket").Value(&c.Remote.S3.Bucket).Validate(notEmpty("bucket")),
			huh.NewInput().Title("Region").Value(&c.Remote.S3.Region),
			huh.NewInput().
				Title("Endpoint").
				Description("Only for S3-compatible services; empty for AWS").
				Value(&c.Remote.S3.Endpoint),
			huh.NewConfirm().Title("Path-style addressing?").Value(&c.Remote.S3.UsePathStyle),
		).WithHideFunc(func() bool { return c.Remote.Backend != config.BackendS3 }),
	)
	if err := form.Run(); err != nil {
		return err
	}
	c.Identity = strings.TrimSpace(c.Identity)
	return nil
}

func init() {
	configShowCmd.Flags().String("format", config.FormatYAML, "Output format: yaml, toml or json")
	configShowCmd.Flags().Bool("show-secrets", false, "Print credentials in clear")

	configInitCmd.Flags().StringP("output", "o", "", "Config file to write (default: <data-dir>/config.yaml)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configInitCmd.Flags().BoolP("interactive", "i", false, "Prompt for identity and backend")

	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
