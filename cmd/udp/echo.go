package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qxcheng/ipconv/pkg/buffer"
	"github.com/qxcheng/ipconv/protocol/stack"
)

var (
	echoCount   int
	echoPort    uint16
	echoV6      bool
	echoHeaders bool
	echoPcap    string
	echoMetrics bool
	echoTimeout time.Duration
	echoLinger  time.Duration
)

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Exchange datagrams between a client and an echo listener",
	Long: `echo announces a listener, connects a client to it and bounces datagrams
between them. With --headers the listener works in extended addressing mode
and answers every peer from one conversation.`,
	RunE: runEcho,
}

func init() {
	echoCmd.Flags().IntVarP(&echoCount, "count", "n", 3, "number of datagrams")
	echoCmd.Flags().Uint16VarP(&echoPort, "port", "p", 7, "listener port")
	echoCmd.Flags().BoolVar(&echoV6, "ipv6", false, "talk over IPv6")
	echoCmd.Flags().BoolVar(&echoHeaders, "headers", false, "run the listener in extended addressing mode")
	echoCmd.Flags().StringVar(&echoPcap, "pcap", "", "capture packets to this file")
	echoCmd.Flags().BoolVar(&echoMetrics, "metrics", false, "serve Prometheus metrics while running")
	echoCmd.Flags().DurationVar(&echoTimeout, "timeout", 2*time.Second, "per datagram timeout")
	echoCmd.Flags().DurationVar(&echoLinger, "linger", 0, "keep running after the exchange (for scraping metrics)")
}

func runEcho(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := newRuntime(ctx, echoPcap, echoMetrics)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	server := "127.0.0.1"
	if echoV6 {
		server = "::1"
	}

	ctl := []string{fmt.Sprintf("announce %d", echoPort)}
	if echoHeaders {
		ctl = append(ctl, "headers")
	}
	l, err := rt.newConv(ctl...)
	if err != nil {
		return err
	}
	defer l.Close()

	c, err := rt.newConv(fmt.Sprintf("connect %s!%d", server, echoPort))
	if err != nil {
		return err
	}
	defer c.Close()

	go serveEcho(ctx, rt, l)

	out := cmd.OutOrStdout()
	for i := 0; i < echoCount; i++ {
		msg := fmt.Sprintf("datagram %d", i)
		if err := c.Write(buffer.View(msg).ToVectorisedView()); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		rctx, rcancel := context.WithTimeout(ctx, echoTimeout)
		v, err := c.ReadContext(rctx)
		rcancel()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		fmt.Fprintf(out, "%s\n", v)
	}

	if echoLinger > 0 {
		select {
		case <-time.After(echoLinger):
		case <-ctx.Done():
		}
	}
	fmt.Fprint(out, rt.report())
	return nil
}

// serveEcho 回显监听会话收到的数据报. In extended addressing mode the
// address block of a request already names the peer, so it is sent back
// unchanged; otherwise every peer gets its own spawned conversation.
func serveEcho(ctx context.Context, rt *runtime, l *stack.Conv) {
	if echoHeaders {
		echoLoop(ctx, rt, l)
		return
	}
	for {
		nc, err := l.Accept(ctx)
		if err != nil {
			return
		}
		go func() {
			defer nc.Close()
			echoLoop(ctx, rt, nc)
		}()
	}
}

func echoLoop(ctx context.Context, rt *runtime, c *stack.Conv) {
	for {
		v, err := c.ReadContext(ctx)
		if err != nil {
			return
		}
		if err := c.Write(v.ToVectorisedView()); err != nil {
			rt.log.WithError(err).Warn("echo write")
			return
		}
	}
}
