package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"bytemomo/warden/internal/adapter/grpcchecker"
	"bytemomo/warden/internal/checker"

	"github.com/spf13/cobra"
)

func newCheckersCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "checkers",
		Short: "List registered checkers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCATEGORIES\tDESCRIPTION")
			for _, c := range reg.All() {
				desc := checker.Describe(c)
				if rc, ok := c.(*grpcchecker.Checker); ok && remote {
					desc = describeRemote(cmd.Context(), rc)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name(), strings.Join(c.Categories(), ", "), desc)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Query remote plugins for their description")
	return cmd
}

func describeRemote(ctx context.Context, c *grpcchecker.Checker) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	d, err := c.Metadata(ctx)
	if err != nil {
		return fmt.Sprintf("unreachable (%s): %v", c.Spec.Server, err)
	}
	return d.Description
}

func newFrameworksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "frameworks",
		Short: "List compliance frameworks and their controls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			catalog, err := buildCatalog(cfg)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FRAMEWORK\tENABLED\tCONTROLS\tDESCRIPTION")
			for _, name := range catalog.Names() {
				f, _ := catalog.Get(name)
				fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", f.Name, cfg.FrameworkEnabled(name), len(f.Controls), f.Description)
			}
			return tw.Flush()
		},
	}
}
