package main

import (
	"fmt"
	"net"
	"strconv"
	"text/tabwriter"

	"github.com/opd-ai/asciichat/knownhosts"
	"github.com/spf13/cobra"
)

func newKnownHostsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "known-hosts",
		Short: "Inspect and edit the known_hosts file",
	}

	store := func() (*knownhosts.Store, error) {
		path := opts.cfg.Client.KnownHostsFile
		if path == "" {
			var err error
			if path, err = knownhosts.DefaultPath(); err != nil {
				return nil, err
			}
		}
		return knownhosts.NewStore(path), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trusted servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			entries, err := s.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Addr, e.Fingerprint(), e.Comment)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <host> <port>",
		Short: "Forget every entry for a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			s, err := store()
			if err != nil {
				return err
			}
			n, err := s.Remove(args[0], uint16(port))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries for %s from %s\n",
				n, net.JoinHostPort(args[0], args[1]), s.Path())
			return nil
		},
	})
	return cmd
}
