package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/defaults"
)

func newInitCommand(g *globals) *cobra.Command {
	var (
		force bool
		yaml  bool
	)
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default mcp_servers.json (or config.yaml) if missing",
		Long: "Write the bundled default server list to dir, which defaults to\n" +
			"the user config directory. Existing files are left alone unless\n" +
			"--force is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.ConfigDir()
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return errors.New("no config directory: pass one explicitly")
			}
			return runInit(g.stdout, dir, yaml, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&yaml, "yaml", false, "write the commented config.yaml example instead")
	return cmd
}

// runInit installs the default configuration into dir. An existing file
// is reported and kept, never overwritten without force.
func runInit(w io.Writer, dir string, asYAML, force bool) error {
	name, content := defaults.ServersFile, defaults.ServersJSON
	if asYAML {
		name, content = defaults.ConfigFile, defaults.ConfigYAML
	}

	path, err := defaults.Install(dir, name, content, force)
	switch {
	case errors.Is(err, defaults.ErrExists):
		fmt.Fprintf(w, "%s already exists, left unchanged (use --force to overwrite)\n", path)
		return nil
	case err != nil:
		return err
	}

	fmt.Fprintf(w, "wrote %s\n", path)
	fmt.Fprintln(w, "Edit it to add your MCP servers, then run: mcphost tools")
	return nil
}
