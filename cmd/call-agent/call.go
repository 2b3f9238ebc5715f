package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"peercall-backend/internal/domain"
)

func newCallCmd(opts *globalOptions) *cobra.Command {
	var video bool

	cmd := &cobra.Command{
		Use:   "call <user-id>",
		Short: "Call another user and stay on the line until the call ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}

			c, err := connect(opts)
			if err != nil {
				return err
			}

			callType := domain.CallTypeAudio
			if video {
				callType = domain.CallTypeVideo
			}

			ctx := cmd.Context()
			call, err := c.Calls().CreateCall(ctx, peer, callType)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "calling %s (%s call %s)\n", peer, callType, call.CallID)

			return runSession(ctx, cmd.OutOrStdout(), c, call, nil)
		},
	}

	cmd.Flags().BoolVar(&video, "video", false, "start a video call")
	return cmd
}
