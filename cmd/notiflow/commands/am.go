package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/notiflow/am"
	"github.com/teranos/notiflow/auth"
	"github.com/teranos/notiflow/display"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage notiflow configuration and credentials",
	Long: sym.AM + ` am - Manage notiflow configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (NOTIFLOW_* prefix)
2. Project config (./am.toml, searched up the directory tree)
3. User config (~/.notiflow/am.toml)
4. System config (/etc/notiflow/am.toml)
5. Default values

The bearer token lives in the credentials file (auth.credentials_path) or in
NOTIFLOW_AUTH_TOKEN. It is never written to am.toml.

Examples:
  notiflow am show                     # Show current configuration
  notiflow am show --format json       # Show configuration in JSON format
  notiflow am where                    # Show which source set each key
  notiflow am init --token <token>     # Write ~/.notiflow/am.toml and credentials`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective notiflow configuration from all sources",
	RunE:  runAmShow,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting comes from",
	RunE:  runAmWhere,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file and store credentials",
	Long: `Write an am.toml with the given settings on top of the current
configuration, and store the bearer token in the credentials file.

Existing files are backed up (.back1 .. .back3) before being replaced.`,
	RunE: runAmInit,
}

var (
	configFormat string

	initPath      string
	initBaseURL   string
	initOrgID     string
	initToken     string
	initRealtime  string
	initCachePath string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	amInitCmd.Flags().StringVar(&initPath, "path", "", "Config file to write (default ~/.notiflow/am.toml)")
	amInitCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST API base URL")
	amInitCmd.Flags().StringVar(&initOrgID, "org-id", "", "Organization id")
	amInitCmd.Flags().StringVar(&initToken, "token", "", "Bearer token, stored in the credentials file")
	amInitCmd.Flags().StringVar(&initRealtime, "realtime-url", "", "Realtime endpoint when it differs from the API")
	amInitCmd.Flags().StringVar(&initCachePath, "cache", "", `Local cache path ("off" disables the cache)`)

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// auth.token is excluded from TOML by its tag; mask it for the other formats
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = "********"
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := display.MarshalJSON(shown)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))

	case "yaml":
		data, err := display.MarshalYAML(shown)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# notiflow configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(shown)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(out, "# notiflow configuration\n%s", string(data))

	default:
		return errors.Wrapf(errors.ErrInvalidRequest, "unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	settings, err := am.GetConfigIntrospection()
	if err != nil {
		return errors.Wrap(err, "failed to get config introspection")
	}

	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	if handled, err := display.Structured(cmd.OutOrStdout(), format, settings); handled {
		return err
	}

	rows := make([][]string, 0, len(settings))
	for _, s := range settings {
		source := string(s.Source)
		if s.SourcePath != "" {
			source += " (" + s.SourcePath + ")"
		}
		rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), source})
	}
	return display.Table(cmd.OutOrStdout(), []string{"KEY", "VALUE", "SOURCE"}, rows, "No settings")
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Println("Configuration is valid")
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	next := *cfg

	if initBaseURL != "" {
		next.API.BaseURL = strings.TrimRight(initBaseURL, "/")
	}
	if initOrgID != "" {
		next.API.OrgID = initOrgID
	}
	if initRealtime != "" {
		next.Realtime.URL = strings.TrimRight(initRealtime, "/")
	}
	switch initCachePath {
	case "":
	case "off":
		next.Database.Path = ""
	default:
		next.Database.Path = initCachePath
	}
	if err := next.Validate(); err != nil {
		return err
	}

	path := initPath
	if path == "" {
		path = am.UserConfigPath()
	}
	if err := am.Save(&next, path); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pterm.Success.WithWriter(out).Printfln("Wrote %s", path)

	token := strings.TrimSpace(initToken)
	if token == "" {
		if cfg.Auth.Token == "" && !credentialsPresent(next.Auth.CredentialsPath) {
			pterm.Info.WithWriter(out).Println("No token stored yet; rerun with --token or set NOTIFLOW_AUTH_TOKEN")
		}
		return nil
	}
	credsPath := next.Auth.CredentialsPath
	if err := auth.SaveCredentials(credsPath, auth.Credentials{Token: token, OrgID: next.API.OrgID}); err != nil {
		return err
	}
	pterm.Success.WithWriter(out).Printfln("Stored credentials in %s", credsPath)
	return nil
}

func credentialsPresent(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(filepath.Clean(path))
	return err == nil
}
