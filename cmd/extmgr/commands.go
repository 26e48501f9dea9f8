package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/extension-manager/internal/activation"
	"github.com/rcourtman/extension-manager/internal/integrity"
	"github.com/rcourtman/extension-manager/internal/notices"
)

var (
	apiKey          string
	activationEmail string
	downgrade       bool
	marginOfError   bool
)

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// dispatch runs one administrative request through the guarded dispatcher.
func dispatch(cmd *cobra.Command, req activation.Request) error {
	res, err := app.Dispatcher.Handle(cmd.Context(), req)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), res)
}

type statusView struct {
	Activated  bool             `json:"activated"`
	Connected  bool             `json:"connected"`
	Level      string           `json:"level"`
	Email      string           `json:"email,omitempty"`
	Feed       bool             `json:"feed"`
	GraceUntil *time.Time       `json:"grace_until,omitempty"`
	Transfer   bool             `json:"requires_domain_transfer,omitempty"`
	Notice     *notices.Pending `json:"notice,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the subscription state and the pending notice",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Guard.Err(); err != nil {
			return err
		}
		ctx := cmd.Context()
		opts, found, err := app.Engine.Status(ctx)
		if err != nil {
			return fmt.Errorf("read site options: %w", err)
		}

		view := statusView{Level: "none"}
		if found {
			view.Activated = opts.IsActivated()
			view.Connected = opts.IsConnected()
			view.Level = string(opts.ActivationLevel)
			view.Email = opts.ActivationEmail
			view.Feed = opts.EnableFeed
			view.Transfer = opts.RequiresDomainTransfer
			if opts.MarginOfError > 0 {
				until := time.Unix(opts.MarginOfError, 0).UTC()
				view.GraceUntil = &until
			}
		}
		pending, ok, err := app.Notices.Pop(ctx)
		if err != nil {
			return fmt.Errorf("read notice: %w", err)
		}
		if ok {
			view.Notice = &pending
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, view)
		}
		fmt.Fprintf(out, "Activated:  %t\n", view.Activated)
		fmt.Fprintf(out, "Connected:  %t\n", view.Connected)
		fmt.Fprintf(out, "Level:      %s\n", view.Level)
		if view.Email != "" {
			fmt.Fprintf(out, "Email:      %s\n", view.Email)
		}
		fmt.Fprintf(out, "Feed:       %t\n", view.Feed)
		if view.GraceUntil != nil {
			fmt.Fprintf(out, "Grace until: %s\n", view.GraceUntil.Format(time.RFC3339))
		}
		if view.Transfer {
			fmt.Fprintln(out, "Domain transfer required")
		}
		if view.Notice != nil {
			fmt.Fprintf(out, "Notice:     %s\n", view.Notice.Render())
		}
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate the site",
}

var activateFreeCmd = &cobra.Command{
	Use:   "free",
	Short: "Activate the free tier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatch(cmd, activation.Request{Action: activation.ActionActivateFree})
	},
}

var activatePremiumCmd = &cobra.Command{
	Use:     "premium",
	Short:   "Activate a subscription with an API key",
	Example: `  extmgr activate premium --key 1234-abcd --email owner@example.com`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatch(cmd, activation.Request{
			Action: activation.ActionActivateKey,
			APIKey: apiKey,
			Email:  activationEmail,
		})
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Deactivate locally, optionally keeping the instance as a free site",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatch(cmd, activation.Request{
			Action:    activation.ActionDeactivate,
			Downgrade: downgrade,
			MOE:       marginOfError,
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Release the API key on the licensing server and downgrade",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatch(cmd, activation.Request{Action: activation.ActionDisconnect})
	},
}

var enableFeedCmd = &cobra.Command{
	Use:   "enable-feed",
	Short: "Enable the news feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatch(cmd, activation.Request{Action: activation.ActionEnableFeed})
	},
}

var revalidateCmd = &cobra.Command{
	Use:   "revalidate",
	Short: "Check the subscription against the licensing server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Guard.Err(); err != nil {
			return err
		}
		res, ladder := app.Engine.Revalidate(cmd.Context())
		if !jsonOutput {
			fmt.Fprintf(cmd.OutOrStdout(), "Ladder: %s\n", ladder)
		}
		return report(cmd.OutOrStdout(), res)
	},
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Load every enabled extension",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		attempts, err := app.Loader.Boot(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, attempts)
		}
		if len(attempts) == 0 {
			fmt.Fprintln(out, "No extensions loaded")
		}
		for _, a := range attempts {
			line := fmt.Sprintf("%-12s %-10s", a.Slug, a.State)
			if a.Failure != nil {
				line += " " + a.Failure.Error()
			} else if a.Err != nil {
				line += " " + a.Err.Error()
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var checksumCmd = &cobra.Command{
	Use:   "checksum",
	Short: "Verify the extension catalog checksum",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, verdict, err := app.Loader.Checksum()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := writeJSON(out, map[string]any{"checksum": sum, "verdict": verdict.String()}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "%s %s: %s\n", sum.Algorithm, sum.Hash, verdict)
		}
		if verdict != integrity.Valid {
			return errActionFailed
		}
		return nil
	},
}

func init() {
	activatePremiumCmd.Flags().StringVarP(&apiKey, "key", "k", "", "subscription API key")
	activatePremiumCmd.Flags().StringVarP(&activationEmail, "email", "e", "", "subscription email address")
	activateCmd.AddCommand(activateFreeCmd)
	activateCmd.AddCommand(activatePremiumCmd)

	deactivateCmd.Flags().BoolVar(&downgrade, "downgrade", false, "keep the instance and fall back to the free tier")
	deactivateCmd.Flags().BoolVar(&marginOfError, "moe", false, "allow the grace window to postpone the deactivation")
}
