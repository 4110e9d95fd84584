package commands

import (
	"github.com/spf13/cobra"

	"github.com/saphalpdyl/aether/internal/coa"
)

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <session-id>",
		Short: "Terminate a subscriber session (Acct-Terminate-Cause Admin-Reset)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			reply, err := roundTrip(coa.Request{
				Action:    "disconnect",
				SessionID: args[0],
			})
			if err != nil {
				return err
			}
			return printReply(reply)
		},
	}
}

func policyChangeCmd() *cobra.Command {
	var filterID string

	cmd := &cobra.Command{
		Use:   "policy-change <session-id>",
		Short: "Request a policy change for a session (currently acknowledged without action)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			reply, err := roundTrip(coa.Request{
				Action:    "policy_change",
				SessionID: args[0],
				FilterID:  filterID,
			})
			if err != nil {
				return err
			}
			return printReply(reply)
		},
	}

	cmd.Flags().StringVar(&filterID, "filter-id", "", "filter/policy identifier to apply")

	return cmd
}
