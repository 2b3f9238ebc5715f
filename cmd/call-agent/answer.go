package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"peercall-backend/internal/callflow"
	"peercall-backend/internal/domain"
)

func newAnswerCmd(opts *globalOptions) *cobra.Command {
	var (
		reject bool
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "answer",
		Short: "Wait for an incoming call and accept it",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(opts)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			waitCtx := ctx
			if wait > 0 {
				var cancel context.CancelFunc
				waitCtx, cancel = context.WithTimeout(ctx, wait)
				defer cancel()
			}

			incoming := make(chan *domain.CallRecord, 1)
			unsubscribe, err := c.Calls().SubscribeActiveCallsFor(waitCtx, c.UserID(), func(rec *domain.CallRecord) {
				if rec == nil || rec.ToUserID != c.UserID() || rec.Status != domain.CallStatusRinging {
					return
				}
				select {
				case incoming <- rec:
				default:
				}
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "waiting for a call...")
			var call *domain.CallRecord
			select {
			case call = <-incoming:
			case <-waitCtx.Done():
				unsubscribe()
				return fmt.Errorf("no call arrived: %w", waitCtx.Err())
			}
			unsubscribe()
			fmt.Fprintf(cmd.OutOrStdout(), "incoming %s call from %s\n", call.CallType, call.FromUserID)

			return runSession(ctx, cmd.OutOrStdout(), c, call, func(ctx context.Context, ctrl *callflow.Controller) error {
				if reject {
					return ctrl.Reject(ctx)
				}
				return ctrl.Accept(ctx)
			})
		},
	}

	cmd.Flags().BoolVar(&reject, "reject", false, "reject the call instead of accepting it")
	cmd.Flags().DurationVar(&wait, "wait", 0, "give up after this long (0 waits forever)")
	return cmd
}
