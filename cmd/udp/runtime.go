package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/qxcheng/ipconv/pkg/config"
	"github.com/qxcheng/ipconv/pkg/log"
	"github.com/qxcheng/ipconv/pkg/metrics"
	"github.com/qxcheng/ipconv/protocol/network/loopback"
	"github.com/qxcheng/ipconv/protocol/stack"
	"github.com/qxcheng/ipconv/protocol/transport/udp"
)

// runtime 一个运行在回环网络层上的协议栈
type runtime struct {
	cfg     *config.Config
	log     *logrus.Entry
	stack   *stack.Stack
	lo      *loopback.Endpoint
	metrics *metrics.Server
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newRuntime(ctx context.Context, pcapPath string, serveMetrics bool) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if pcapPath != "" {
		cfg.Loopback.Pcap = pcapPath
	}
	if serveMetrics {
		cfg.Metrics.Enabled = true
	}

	l, err := log.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	entry := logrus.NewEntry(l)

	addrs, err := cfg.LoopbackAddresses()
	if err != nil {
		return nil, err
	}
	loOpts := loopback.Options{
		Addresses: addrs,
		QueueLen:  cfg.Loopback.QueueLen,
		Logger:    entry,
	}
	if cfg.Loopback.Pcap != "" {
		f, err := os.Create(cfg.Loopback.Pcap)
		if err != nil {
			return nil, fmt.Errorf("create pcap: %w", err)
		}
		loOpts.Capture = f
	}
	lo, err := loopback.New(loOpts)
	if err != nil {
		return nil, err
	}

	opts := cfg.StackOptions()
	opts.Logger = entry
	opts.Output = lo
	opts.Addresses = lo
	opts.ICMP = lo
	s := stack.New([]string{udp.ProtocolName}, opts)
	if err := s.SetTransportProtocolOption(udp.ProtocolNumber, udp.QueueLimitOption(cfg.UDP.QueueLimit)); err != nil {
		lo.Close()
		return nil, err
	}
	lo.Attach(s)
	lo.Start(ctx)

	rt := &runtime{cfg: cfg, log: entry, stack: s, lo: lo}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(s.Stats()))
		rt.metrics = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, reg, entry)
		if err := rt.metrics.Start(ctx); err != nil {
			lo.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) newConv(ctl ...string) (*stack.Conv, error) {
	c, err := rt.stack.NewConv(udp.ProtocolNumber)
	if err != nil {
		return nil, err
	}
	for _, cmd := range ctl {
		if err := c.Ctl(cmd); err != nil {
			c.Close()
			return nil, fmt.Errorf("ctl %q: %w", cmd, err)
		}
	}
	return c, nil
}

func (rt *runtime) Close(ctx context.Context) error {
	if rt.metrics != nil {
		if err := rt.metrics.Stop(ctx); err != nil {
			rt.log.WithError(err).Warn("stop metrics")
		}
	}
	return rt.lo.Close()
}

func (rt *runtime) report() string {
	text, err := rt.stack.TransportProtocolStats(udp.ProtocolNumber)
	if err != nil {
		return err.Error()
	}
	return text
}
