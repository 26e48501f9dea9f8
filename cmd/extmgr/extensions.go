package main

import (
	"fmt"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/spf13/cobra"

	"github.com/rcourtman/extension-manager/internal/activation"
	"github.com/rcourtman/extension-manager/internal/extensions"
)

var slugFilter string

var extensionsCmd = &cobra.Command{
	Use:     "extensions",
	Aliases: []string{"ext"},
	Short:   "List, enable, disable and test catalogued extensions",
}

type listingView struct {
	Slug       string `json:"slug"`
	Name       string `json:"name,omitempty"`
	Version    string `json:"version"`
	Tier       string `json:"type"`
	Compatible string `json:"compatibility"`
	Active     bool   `json:"active"`
	Loaded     bool   `json:"loaded"`
}

// filterListings keeps listings whose slug matches pattern. Network
// extensions are hidden unless the host runs in network mode.
func filterListings(items []extensions.Listing, pattern string, network bool) []listingView {
	pattern = strings.TrimSpace(pattern)
	var out []listingView
	for _, it := range items {
		if it.Entry.Network && !network {
			continue
		}
		if pattern != "" && !wildcard.Match(pattern, it.Entry.Slug) {
			continue
		}
		v := listingView{
			Slug:       it.Entry.Slug,
			Version:    it.Entry.Version,
			Tier:       string(it.Entry.Tier),
			Compatible: it.Verdict.String(),
			Active:     it.Active,
			Loaded:     it.Loaded,
		}
		if it.Header != nil {
			v.Name = it.Header.Name
		}
		out = append(out, v)
	}
	return out
}

var extensionsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List catalogued extensions",
	Example: `  extmgr extensions list --filter 'multi*'`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := app.Loader.List(cmd.Context())
		if err != nil {
			return err
		}
		views := filterListings(items, slugFilter, app.Config.Network)

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, views)
		}
		for _, v := range views {
			state := "inactive"
			if v.Active {
				state = "active"
			}
			if v.Loaded {
				state += ",loaded"
			}
			fmt.Fprintf(out, "%-12s %-8s %-8s %-18s %s\n", v.Slug, v.Version, v.Tier, v.Compatible, state)
		}
		return nil
	},
}

var extensionsEnableCmd = &cobra.Command{
	Use:   "enable <slug>",
	Short: "Test-drive and enable an extension",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatch(cmd, activation.Request{Action: activation.ActionActivateExt, Slug: args[0]})
	},
}

var extensionsDisableCmd = &cobra.Command{
	Use:   "disable <slug>",
	Short: "Disable an extension",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatch(cmd, activation.Request{Action: activation.ActionDeactivateExt, Slug: args[0]})
	},
}

var extensionsTestCmd = &cobra.Command{
	Use:   "test <slug>",
	Short: "Test-drive an extension without enabling it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, failure := app.Loader.TestExtension(cmd.Context(), args[0])
		if err := app.Guard.Err(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := writeJSON(out, map[string]any{"result": int(result), "failure": failure}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "%s: %d\n", args[0], int(result))
			if failure != nil {
				fmt.Fprintf(out, "%s %s\n", failure.Type, failure.Message)
				fmt.Fprintln(out, failure.AdvancedText())
			}
		}
		if result != extensions.TestSuccess {
			return errActionFailed
		}
		return nil
	},
}

func init() {
	extensionsListCmd.Flags().StringVarP(&slugFilter, "filter", "f", "", "only list slugs matching this glob")
	extensionsCmd.AddCommand(extensionsListCmd)
	extensionsCmd.AddCommand(extensionsEnableCmd)
	extensionsCmd.AddCommand(extensionsDisableCmd)
	extensionsCmd.AddCommand(extensionsTestCmd)
}
