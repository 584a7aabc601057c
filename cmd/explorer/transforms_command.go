package main

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Kitware/nrtk-explorer-sub000/internal/transforms"
)

func newTransformsCommand(ctx *commandContext) *cobra.Command {
	transformsCmd := &cobra.Command{
		Use:   "transforms",
		Short: "Inspect the transform registry",
	}
	transformsCmd.AddCommand(newTransformsListCommand(ctx))
	transformsCmd.AddCommand(newTransformsDescribeCommand(ctx))
	return transformsCmd
}

func (c *commandContext) registry() (*transforms.Registry, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	registry := transforms.NewRegistry()
	if cfg.Transforms.Definitions != "" {
		if err := registry.LoadFile(cfg.Transforms.Definitions); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newTransformsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available transforms",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ctx.registry()
			if err != nil {
				return err
			}
			for _, name := range registry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newTransformsDescribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <name>",
		Short: "Show the parameters of a transform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ctx.registry()
			if err != nil {
				return err
			}
			params, err := registry.Describe(args[0])
			if err != nil {
				return err
			}
			if len(params) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s takes no parameters\n", args[0])
				return nil
			}

			names := make([]string, 0, len(params))
			for name := range params {
				names = append(names, name)
			}
			slices.Sort(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PARAMETER\tTYPE\tDEFAULT\tDESCRIPTION")
			for _, name := range names {
				p := params[name]
				desc := p.Description
				if len(p.Options) > 0 {
					opts := make([]string, len(p.Options))
					for i, o := range p.Options {
						opts[i] = fmt.Sprint(o)
					}
					desc = strings.TrimSpace(desc + " (one of " + strings.Join(opts, ", ") + ")")
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", name, p.Type, p.Default, desc)
			}
			return tw.Flush()
		},
	}
}
