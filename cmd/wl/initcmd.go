package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/waitline/waitline/internal/config"
	"github.com/waitline/waitline/internal/source"
	"github.com/waitline/waitline/internal/ui"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config/config.json and config/sources.yaml interactively",
	Long: `Create the configuration files using an interactive form.

Keyboard navigation:
  - Tab/Shift+Tab: Move between fields
  - Enter: Submit the form (on the last field)
  - Ctrl+C: Cancel and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(config.DefaultPath); err == nil && !initForce {
			return &configError{fmt.Errorf("%s already exists (use --force to overwrite)", config.DefaultPath)}
		}

		var (
			outputBase  = "waitline-data"
			store       = "sqlite"
			mysqlDSN    string
			sourceDir   string
			intervalStr = "300"
		)

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Data root").
					Description("Directory for partitions, state, models and curves").
					Value(&outputBase).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("data root is required")
						}
						return nil
					}),

				huh.NewInput().
					Title("Source directory").
					Description("Root of the export drop files (optional; ingest needs it)").
					Placeholder("/data/exports").
					Value(&sourceDir),

				huh.NewSelect[string]().
					Title("State store").
					Description("Backend for the dedup set and entity index").
					Options(
						huh.NewOption("SQLite (embedded, default)", "sqlite"),
						huh.NewOption("MySQL", "mysql"),
					).
					Value(&store),
			),

			huh.NewGroup(
				huh.NewInput().
					Title("MySQL DSN").
					Description("user:pass@tcp(host:3306)/dbname (mysql store only)").
					Value(&mysqlDSN),

				huh.NewInput().
					Title("Live poll interval (seconds)").
					Value(&intervalStr).
					Validate(func(s string) error {
						n, err := strconv.Atoi(strings.TrimSpace(s))
						if err != nil || n <= 0 {
							return fmt.Errorf("must be a positive integer")
						}
						return nil
					}),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}

		interval, _ := strconv.Atoi(strings.TrimSpace(intervalStr))
		doc := map[string]any{
			"output_base":        outputBase,
			"store":              store,
			"live_poll_interval": interval,
		}
		if sourceDir != "" {
			doc["source_dir"] = sourceDir
		}
		if store == "mysql" {
			if mysqlDSN == "" {
				return &configError{fmt.Errorf("mysql store needs a DSN")}
			}
			doc["mysql_dsn"] = mysqlDSN
		}

		if err := writeConfigFile(config.DefaultPath, doc); err != nil {
			return err
		}
		fmt.Printf("%s wrote %s\n", ui.RenderPass(ui.IconPass), config.DefaultPath)

		sourcesPath := filepath.Join(filepath.Dir(config.DefaultPath), "sources.yaml")
		if _, err := os.Stat(sourcesPath); os.IsNotExist(err) || initForce {
			if err := writeSourcesFile(sourcesPath); err != nil {
				return err
			}
			fmt.Printf("%s wrote %s\n", ui.RenderPass(ui.IconPass), sourcesPath)
		}
		return nil
	},
}

func writeConfigFile(path string, doc map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func writeSourcesFile(path string) error {
	reg := source.Registry{Properties: source.DefaultProperties}
	data, err := yaml.Marshal(&reg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}
