package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	rtlink "github.com/kolkov/memsafe/cmd/memsafe/runtime"
)

// version matches memsafe.Version. The driver does not import the runtime
// package, whose initializer sets up a monitor.
const version = "0.1.0"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and toolchain information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "memsafe version %s\n", version)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if v, err := rtlink.GoVersion(ctx); err != nil {
				fmt.Fprintf(w, "go toolchain: %v\n", err)
			} else if err := rtlink.CheckGoVersion(v); err != nil {
				fmt.Fprintf(w, "go toolchain: %s (unsupported: %v)\n", v, err)
			} else {
				fmt.Fprintf(w, "go toolchain: %s\n", v)
			}

			switch rt, err := rtlink.Locate(); {
			case err != nil:
				fmt.Fprintf(w, "runtime: %v\n", err)
			case rt.Dir != "":
				fmt.Fprintf(w, "runtime: %s\n", rt.Dir)
			default:
				fmt.Fprintf(w, "runtime: %s@%s\n", rtlink.ModulePath, rt.Version)
			}
			return nil
		},
	}
}
