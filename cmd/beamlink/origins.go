package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/beamlink/internal/pairing"
	"github.com/ricochet1k/beamlink/internal/trust"
)

// The origins commands edit config.json directly. A running server does not
// see the change until it restarts.
func (c *cli) originsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "origins",
		Short: "Manage trusted browser origins",
	}
	cmd.AddCommand(c.originsListCmd(), c.originsAddCmd(), c.originsRemoveCmd(), c.originsRotateCmd())
	return cmd
}

func (c *cli) store() (*trust.Store, error) {
	return openTrust(c.cfg, c.logger, nil)
}

func (c *cli) originsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired and static origins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := c.store()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ORIGIN\tSOURCE\tLAST SEEN\tNOTE")
			for _, o := range store.StaticOrigins() {
				fmt.Fprintf(tw, "%s\tstatic\t-\t\n", o)
			}
			for _, r := range store.Records() {
				seen := "-"
				if !r.LastSeen.IsZero() {
					seen = r.LastSeen.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\tpaired\t%s\t%s\n", r.Origin, seen, r.Note)
			}
			return tw.Flush()
		},
	}
}

func (c *cli) originsAddCmd() *cobra.Command {
	var secret, note string
	cmd := &cobra.Command{
		Use:   "add <origin>",
		Short: "Trust an origin, generating a pairing secret unless one is given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.store()
			if err != nil {
				return err
			}
			generated := secret == ""
			if generated {
				if secret, err = pairing.GenerateSecret(); err != nil {
					return err
				}
			}
			rec, err := store.AddOrigin(args[0], secret, note)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s\n", rec.Origin)
			if generated {
				fmt.Fprintf(cmd.OutOrStdout(), "pairing secret: %s\n", secret)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "pairing secret the origin will present")
	cmd.Flags().StringVar(&note, "note", "", "free-form note shown in the dashboard")
	return cmd
}

func (c *cli) originsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <origin>",
		Short: "Forget a paired origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.store()
			if err != nil {
				return err
			}
			removed, err := store.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%s is not a paired origin", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) originsRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <origin>",
		Short: "Replace a paired origin's secret with a new generated one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.store()
			if err != nil {
				return err
			}
			secret, err := pairing.GenerateSecret()
			if err != nil {
				return err
			}
			if err := store.RotateSecret(args[0], secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pairing secret: %s\n", secret)
			return nil
		},
	}
}
