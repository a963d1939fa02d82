// Copyright 2022 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/pulsar-go/pkg/admin"
)

// adminCommand builds a command that runs fn against the admin API named by
// --admin-url.
func adminCommand(use, short string, args cobra.PositionalArgs, fn func(context.Context, *cobra.Command, *admin.Client, []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			url, _ := cmd.Flags().GetString("admin-url")
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.OperationTimeout)
			defer cancel()
			return fn(ctx, cmd, admin.NewClient(url, cfg.Client.OperationTimeout), args)
		},
	}
	cmd.Flags().String("admin-url", "http://localhost:8080", "base URL of the broker admin API")
	return cmd
}

func newUnloadCmd() *cobra.Command {
	return adminCommand("unload <tenant/namespace/range>", "Unload a namespace bundle",
		cobra.ExactArgs(1),
		func(ctx context.Context, cmd *cobra.Command, c *admin.Client, args []string) error {
			if err := c.Unload(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle %s unloaded\n", args[0])
			return nil
		})
}

func newResetCursorCmd() *cobra.Command {
	cmd := adminCommand("reset-cursor <topic> <subscription>", "Move a subscription cursor to a point in time",
		cobra.ExactArgs(2),
		func(ctx context.Context, cmd *cobra.Command, c *admin.Client, args []string) error {
			ts, err := resetTimestamp(cmd, time.Now())
			if err != nil {
				return err
			}
			if err := c.ResetCursor(ctx, args[0], args[1], ts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscription %s on %s reset to %d\n", args[1], args[0], ts)
			return nil
		})
	cmd.Flags().Int64("timestamp", 0, "publish time in unix milliseconds")
	cmd.Flags().Duration("ago", 0, "reset to this long before now, e.g. 10m")
	cmd.MarkFlagsMutuallyExclusive("timestamp", "ago")
	cmd.MarkFlagsOneRequired("timestamp", "ago")
	return cmd
}

// resetTimestamp resolves the target time of reset-cursor in unix ms.
func resetTimestamp(cmd *cobra.Command, now time.Time) (int64, error) {
	if cmd.Flags().Changed("ago") {
		ago, err := cmd.Flags().GetDuration("ago")
		if err != nil {
			return 0, err
		}
		if ago < 0 {
			return 0, fmt.Errorf("--ago must not be negative, got %s", ago)
		}
		return now.Add(-ago).UnixMilli(), nil
	}
	ts, err := cmd.Flags().GetInt64("timestamp")
	if err != nil {
		return 0, err
	}
	if ts < 0 {
		return 0, fmt.Errorf("--timestamp must not be negative, got %d", ts)
	}
	return ts, nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change broker settings",
	}
	cmd.AddCommand(
		adminCommand("set <key> <value>", "Change a dynamic broker setting",
			cobra.ExactArgs(2),
			func(ctx context.Context, cmd *cobra.Command, c *admin.Client, args []string) error {
				if err := c.UpdateConfiguration(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", args[0], args[1])
				return nil
			}),
		adminCommand("bundles", "List the bundles owned by a broker",
			cobra.NoArgs,
			func(ctx context.Context, cmd *cobra.Command, c *admin.Client, _ []string) error {
				bundles, err := c.OwnedBundles(ctx)
				if err != nil {
					return err
				}
				for _, b := range bundles {
					fmt.Fprintln(cmd.OutOrStdout(), b)
				}
				return nil
			}),
	)
	return cmd
}
