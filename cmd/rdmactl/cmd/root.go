// Package cmd implements the rdmactl CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"text/tabwriter"

	"github.com/slackhq/rdmaring/wqe"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"
)

// Version can be set with
//
//	-ldflags "-X github.com/slackhq/rdmaring/cmd/rdmactl/cmd.Version=SOMEVERSION"
//
// at compile-time.
var Version string

func init() {
	if Version == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		Version = strings.TrimPrefix(info.Main.Version, "v")
	}
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	output     string
	generation int
}

func (g *globals) ops() (wqe.Ops, error) {
	return wqe.OpsFor(wqe.Generation(g.generation))
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "rdmactl",
		Short: "Descriptor ring inspection for irdma style devices",
		Long: `rdmactl decodes work queue and completion queue entries, computes
descriptor and queue sizes for a device generation and runs a loopback
self check against the emulated device.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch g.output {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("unknown output format %q", g.output)
			}
			if _, err := g.ops(); err != nil {
				return err
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&g.output, "output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().IntVarP(&g.generation, "gen", "g", int(wqe.Gen2), "Device generation: 1 or 2")

	root.AddCommand(
		newDecodeCmd(g),
		newQuantaCmd(g),
		newDepthCmd(g),
		newSelftestCmd(g),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// row is one line of table output.
type row struct {
	key   string
	value any
}

// render writes data in the selected format. Table output uses rows.
func (g *globals) render(w io.Writer, data any, rows []row) error {
	switch g.output {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%v\n", r.key, r.value)
	}
	return tw.Flush()
}
