package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/beamlink/internal/serial"
	"github.com/ricochet1k/beamlink/internal/token"
)

func (c *cli) portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List candidate serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, ports := hardware(c.cfg)
			list := ports.ListPorts()
			if len(list) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no serial ports found")
				return nil
			}
			for _, p := range list {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

// scan runs the probe outside the server. It fails if another process holds
// a port open, since the device open itself fails.
func (c *cli) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [port...]",
		Short: "Probe ports and bauds to identify attached controllers",
		RunE: func(cmd *cobra.Command, args []string) error {
			opener, ports := hardware(c.cfg)
			mgr := serial.NewManager(serial.ManagerConfig{Opener: opener, Logger: c.logger})
			defer mgr.Close()

			summary, err := newProbe(c.cfg, mgr, opener, ports, nil, c.logger).Scan(cmd.Context(), args)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PORT\tBAUD\tFIRMWARE\tRESULT")
			for _, r := range summary.Results {
				baud := "-"
				if r.Baud != nil {
					baud = fmt.Sprint(*r.Baud)
				}
				fw := r.Firmware
				if fw == "" {
					fw = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Port, baud, fw, r.Message)
			}
			return tw.Flush()
		},
	}
}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Session token utilities",
	}

	var origin, com string
	var baud int
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a session token with the configured token.secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Token.Secret == "" {
				return fmt.Errorf("token.secret is not set; a server with a random secret would reject this token")
			}
			issuer, err := token.NewIssuer(c.cfg.Token.Secret, c.cfg.Token.TTL)
			if err != nil {
				return err
			}
			raw, expires, err := issuer.Issue(origin, com, baud)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Local().Format("15:04:05"))
			return nil
		},
	}
	issue.Flags().StringVar(&origin, "origin", "", "origin the token is bound to")
	issue.Flags().StringVar(&com, "com", "", "serial port the token is bound to")
	issue.Flags().IntVar(&baud, "baud", 115200, "baud rate")
	_ = issue.MarkFlagRequired("origin")
	_ = issue.MarkFlagRequired("com")

	cmd.AddCommand(issue)
	return cmd
}
