package ctl

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sinkhole-dns/pkg/blocklist"
	"sinkhole-dns/pkg/storage"
)

func (a *App) showConfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show-conf",
		Short: "Print the daemon configuration held in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dc, err := a.backend.DaemonConfig(cmd.Context(), a.cfg.DaemonID)
			if err != nil {
				return storeFailed("show-conf", err)
			}

			view := struct {
				DaemonID string               `yaml:"daemon_id"`
				Store    string               `yaml:"store"`
				Config   *storage.DaemonConfig `yaml:"config"`
			}{a.cfg.DaemonID, a.cfg.Storage.Address(), dc}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(view); err != nil {
				return storeFailed("show-conf", err)
			}
			return enc.Close()
		},
	}
}

func (a *App) editConfCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit-conf",
		Short: "Edit the daemon configuration held in the store",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add-binds <addr>...",
			Short: "Append listen addresses",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := validateEach(args, validBind); err != nil {
					return err
				}
				return a.appendParam(cmd, storage.ParamBinds, args)
			},
		},
		&cobra.Command{
			Use:       "clear-param <binds|forwarders|blackhole-ips|blocked-ips>",
			Short:     "Remove every value of one parameter",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"binds", "forwarders", "blackhole-ips", "blocked-ips"},
			RunE: func(cmd *cobra.Command, args []string) error {
				param, err := storage.ParseParam(args[0])
				if err != nil {
					return exitError(ExitUsage, "%w", err)
				}
				if err := a.backend.ClearParam(cmd.Context(), a.cfg.DaemonID, param); err != nil {
					return storeFailed("clear-param", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", param)
				return nil
			},
		},
		&cobra.Command{
			Use:   "forwarders <addr>...",
			Short: "Replace the upstream resolvers",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := validateEach(args, validForwarder); err != nil {
					return err
				}
				return a.replaceParam(cmd, storage.ParamForwarders, args)
			},
		},
		&cobra.Command{
			Use:   "blackhole-ips <ip>...",
			Short: "Replace the blackhole addresses",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := validateEach(args, validIP); err != nil {
					return err
				}
				return a.replaceParam(cmd, storage.ParamBlackholeIPs, args)
			},
		},
		&cobra.Command{
			Use:   "block-ips <ip>...",
			Short: "Append blocked client addresses",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := validateEach(args, validIP); err != nil {
					return err
				}
				return a.appendParam(cmd, storage.ParamBlockedIPs, args)
			},
		},
	)
	return cmd
}

func (a *App) appendParam(cmd *cobra.Command, param storage.Param, values []string) error {
	if err := a.backend.AppendParam(cmd.Context(), a.cfg.DaemonID, param, values); err != nil {
		return storeFailed("edit-conf", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %d value(s) to %s\n", len(values), param)
	return nil
}

func (a *App) replaceParam(cmd *cobra.Command, param storage.Param, values []string) error {
	if err := a.backend.ReplaceParam(cmd.Context(), a.cfg.DaemonID, param, values); err != nil {
		return storeFailed("edit-conf", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s to %s\n", param, strings.Join(values, ", "))
	return nil
}

func (a *App) clearStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-stats <pattern>",
		Short: "Delete the statistics counters matching a glob pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.backend.ClearStats(cmd.Context(), a.cfg.DaemonID, args[0])
			if err != nil {
				return storeFailed("clear-stats", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d counter(s)\n", n)
			return nil
		},
	}
}

func (a *App) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <pattern>",
		Short: "Print the statistics counters matching a glob pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			counters, err := a.backend.Stats(cmd.Context(), a.cfg.DaemonID, args[0])
			if err != nil {
				return storeFailed("stats", err)
			}
			names := make([]string, 0, len(counters))
			for name := range counters {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", name, counters[name])
			}
			return nil
		},
	}
}

func (a *App) getInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get-info <matchclass>",
		Short: "Print member counts and rules of a matchclass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.backend.MatchclassInfo(cmd.Context(), args[0])
			if err != nil {
				return storeFailed("get-info", err)
			}
			out := cmd.OutOrStdout()
			if info.Empty() {
				fmt.Fprintf(out, "Matchclass %s is empty\n", info.Name)
				return nil
			}
			fmt.Fprintf(out, "matchclass\t%s\n", info.Name)
			fmt.Fprintf(out, "ipv4_domains\t%d\n", info.IPv4Domains)
			fmt.Fprintf(out, "ipv6_domains\t%d\n", info.IPv6Domains)
			qtypes := make([]string, 0, len(info.Rules))
			for qtype := range info.Rules {
				qtypes = append(qtypes, qtype)
			}
			sort.Strings(qtypes)
			for _, qtype := range qtypes {
				fmt.Fprintf(out, "rule\t%s\t%s\n", qtype, info.Rules[qtype])
			}
			return nil
		},
	}
}

func (a *App) dropCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <pattern>",
		Short: "Delete every matchclass whose name matches a glob pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dropped, err := a.backend.DropMatchclasses(cmd.Context(), args[0])
			if err != nil {
				return storeFailed("drop", err)
			}
			for _, name := range dropped {
				fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s\n", name)
			}
			if len(dropped) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matchclass matched")
			}
			return nil
		},
	}
}

func (a *App) feedCommand() *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "feed <path|url> <matchclass>",
		Short: "Bulk load a matchclass from a domain list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, matchclass := args[0], args[1]
			fam, err := storage.ParseFamily(family)
			if err != nil {
				return exitError(ExitUsage, "%w", err)
			}
			if err := storage.ValidateMatchclass(matchclass); err != nil {
				return exitError(ExitUsage, "%w", err)
			}

			domains, err := blocklist.NewLoader(a.logger, nil).Load(cmd.Context(), source)
			if err != nil {
				return exitError(ExitUsage, "error reading list from %s: %w", source, err)
			}

			fed, err := a.backend.Feed(cmd.Context(), matchclass, domains, fam)
			if err != nil {
				return storeFailed("feed", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fed %d domain(s) into %s (%s)\n", fed, matchclass, fam)
			return nil
		},
	}
	cmd.Flags().StringVarP(&family, "family", "f", "both", "Client address family the entries apply to (both, v4, v6)")
	return cmd
}

func (a *App) setRuleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-rule <matchclass> <qtype> <ip>",
		Short: "Set the answer address of a matchclass for a query type",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			matchclass, qtype, ip := args[0], storage.NormalizeQtype(args[1]), args[2]
			if _, ok := dns.StringToType[qtype]; !ok {
				return exitError(ExitUsage, "unknown query type %q", args[1])
			}
			if err := validIP(ip); err != nil {
				return exitError(ExitUsage, "%w", err)
			}
			if err := a.backend.SetRule(cmd.Context(), matchclass, qtype, ip); err != nil {
				return storeFailed("set-rule", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rule %s %s -> %s set\n", matchclass, qtype, ip)
			return nil
		},
	}
}

func (a *App) delRuleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "del-rule <matchclass> <qtype>",
		Short: "Delete the rule of a matchclass for a query type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			matchclass, qtype := args[0], storage.NormalizeQtype(args[1])
			deleted, err := a.backend.DeleteRule(cmd.Context(), matchclass, qtype)
			if err != nil {
				return storeFailed("del-rule", err)
			}
			if !deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "No rule %s %s\n", matchclass, qtype)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rule %s %s deleted\n", matchclass, qtype)
			return nil
		},
	}
}

func validateEach(values []string, check func(string) error) error {
	for _, v := range values {
		if err := check(v); err != nil {
			return exitError(ExitUsage, "%w", err)
		}
	}
	return nil
}

func validIP(s string) error {
	if _, err := netip.ParseAddr(s); err != nil {
		return fmt.Errorf("invalid IP address %q", s)
	}
	return nil
}

// validBind accepts host:port listen addresses; the host may be empty
func validBind(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil || port == "" {
		return fmt.Errorf("invalid bind address %q", s)
	}
	if host != "" {
		if _, err := netip.ParseAddr(host); err != nil {
			return fmt.Errorf("invalid bind address %q", s)
		}
	}
	return nil
}

// validForwarder accepts an IP with or without a port
func validForwarder(s string) error {
	if _, err := netip.ParseAddrPort(s); err == nil {
		return nil
	}
	return validIP(s)
}
