package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qxcheng/ipconv/pkg/buffer"
)

var (
	unreachPort    uint16
	unreachV6      bool
	unreachIgnore  bool
	unreachTimeout time.Duration
)

var unreachCmd = &cobra.Command{
	Use:   "unreach",
	Short: "Send to a port nobody listens on and watch the advisory",
	Long: `unreach connects to a port without a listener and sends one datagram.
The stack answers with an ICMP port unreachable, whose advisory hangs up the
sending conversation unless --ignore-advise is given.`,
	RunE: runUnreach,
}

func init() {
	unreachCmd.Flags().Uint16VarP(&unreachPort, "port", "p", 9, "destination port")
	unreachCmd.Flags().BoolVar(&unreachV6, "ipv6", false, "send over IPv6")
	unreachCmd.Flags().BoolVar(&unreachIgnore, "ignore-advise", false, "set ignoreadvise on the conversation")
	unreachCmd.Flags().DurationVar(&unreachTimeout, "timeout", time.Second, "how long to wait for the advisory")
}

func runUnreach(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := newRuntime(ctx, "", false)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	dst := "127.0.0.1"
	if unreachV6 {
		dst = "::1"
	}
	ctl := []string{fmt.Sprintf("connect %s!%d", dst, unreachPort)}
	if unreachIgnore {
		ctl = append(ctl, "ignoreadvise")
	}
	c, err := rt.newConv(ctl...)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	if err := c.Write(buffer.View("anyone there?").ToVectorisedView()); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	rctx, rcancel := context.WithTimeout(ctx, unreachTimeout)
	defer rcancel()
	if _, err := c.ReadContext(rctx); err != nil {
		fmt.Fprintf(out, "read: %v\n", err)
	}
	fmt.Fprintf(out, "state: %s", c.StateString())
	fmt.Fprint(out, rt.report())
	return nil
}
