package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fitlab/go-fitness/cache"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
)

// render decodes a cached value for display. Values are shown as JSON when
// they decode as msgpack and as a byte count otherwise.
func render(raw []byte) string {
	var v any
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return fmt.Sprintf("<%d bytes, not msgpack>", len(raw))
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name> <key>",
		Short: "Print the entry stored under key in a cache region",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			found, raw, err := a.cache.Get(cmd.Context(), cache.Name(args[0]), args[1])
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintln(cmd.OutOrStdout(), "(miss)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), render(raw))
			return nil
		}),
	}
}

func newInvalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <name> <indexKey> [key]",
		Short: "Delete every entry indexed under indexKey, or only key",
		Args:  cobra.RangeArgs(2, 3),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			name := cache.Name(args[0])
			if len(args) == 3 {
				if err := a.cache.InvalidateEntry(ctx, name, args[1], args[2]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s in %s\n", args[2], name)
				return nil
			}
			members, err := a.cache.Members(ctx, name, args[1])
			if err != nil {
				return err
			}
			if err := a.cache.InvalidateNamespace(ctx, name, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d entries under %s in %s\n", len(members), args[1], name)
			return nil
		}),
	}
}

func newMembersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "members <name> <indexKey>",
		Short: "List the entry keys indexed under indexKey",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			name := cache.Name(args[0])
			members, err := a.cache.Members(ctx, name, args[1])
			if err != nil {
				return err
			}
			ttl, err := a.cache.IndexTTL(ctx, name, args[1])
			if err != nil {
				return err
			}
			for _, m := range members {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %d members, index expires in %s\n", len(members), ttl.Round(time.Second))
			return nil
		}),
	}
}

func newTTLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ttl",
		Short: "Print the TTL of every cache region",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			table := a.cache.TTLTable()
			for _, name := range table.Names() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", name, table.Lookup(name))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", "(default)", table.Fallback())
			return nil
		}),
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			out, err := a.cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		}),
	}
}
