package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/pkg/schema"
)

// scenarioFailedError reports an execution that did not succeed. The report
// has already been printed.
type scenarioFailedError struct {
	status schema.Status
}

func (e *scenarioFailedError) Error() string {
	return fmt.Sprintf("scenario ended with status %s", e.status)
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	var persist bool
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a scenario file and print its report",
		Long:  "Execute a YAML or JSON scenario in-process and print the execution report as JSON. Use - to read the scenario from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if !persist {
				cfg.DBPath = ""
			}

			data, err := readScenario(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			scenario, err := schema.ParseScenario(data)
			if err != nil {
				return err
			}

			logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			n, err := newNode(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer n.closeAll(shutdownTimeout)

			report, err := n.manager.Run(cmd.Context(), scenario)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status != schema.StatusSuccess {
				return &scenarioFailedError{status: report.Status}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "save the report in the configured database")
	return cmd
}

func readScenario(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
