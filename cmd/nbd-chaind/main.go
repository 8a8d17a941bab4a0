// Command nbd-chaind loads a chain-assembly document, builds the
// backend chain it describes, drives the startup-hook sequence, and
// serves Prometheus metrics. It does not speak the NBD wire protocol
// itself (out of scope, §1 Non-goals); it is the example host a real
// transport front-end would sit behind.
package main

import (
	"context"
	"flag"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xzl01/nbdkit/chain"
	"github.com/xzl01/nbdkit/config"
	"github.com/xzl01/nbdkit/filters/evil"
	"github.com/xzl01/nbdkit/filters/partition"
	"github.com/xzl01/nbdkit/filters/qcow2"
	"github.com/xzl01/nbdkit/filters/retry"
	"github.com/xzl01/nbdkit/httpplugin"
	"github.com/xzl01/nbdkit/memplugin"
	"github.com/xzl01/nbdkit/nlog"
)

func main() {
	configPath := flag.String("config", "", "path to the chain-assembly YAML document")
	metricsAddr := flag.String("metrics-addr", ":9219", "address to serve /metrics on")
	dumpConfig := flag.Bool("dump-config", false, "print the resolved configuration as JSON and exit")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			nlog.Errorln("nbd-chaind: loading config:", err)
			return
		}
		cfg = loaded
	}

	if *dumpConfig {
		j, err := cfg.Dump()
		if err != nil {
			nlog.Errorln("nbd-chaind: dumping config:", err)
			return
		}
		nlog.Infoln(j)
		return
	}

	outer, err := buildChain(cfg)
	if err != nil {
		nlog.Errorln("nbd-chaind: building chain:", err)
		return
	}

	if err := chain.RunLoad(outer); err != nil {
		nlog.Errorln("nbd-chaind: load:", err)
		return
	}
	if err := chain.RunConfigComplete(outer); err != nil {
		nlog.Errorln("nbd-chaind: config_complete:", err)
		return
	}
	if err := chain.RunGetReady(outer); err != nil {
		nlog.Errorln("nbd-chaind: get_ready:", err)
		return
	}
	if err := chain.RunAfterFork(outer); err != nil {
		nlog.Errorln("nbd-chaind: after_fork:", err)
		return
	}

	model := chain.NegotiatedThreadModel(outer)
	nlog.Infoln("nbd-chaind: negotiated thread model:", model)
	gate := chain.NewGate(model)

	if err := selfTest(outer, gate); err != nil {
		nlog.Errorln("nbd-chaind: self-test:", err)
		return
	}

	nlog.Infoln("nbd-chaind: chain ready, serving metrics on", *metricsAddr)
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
		nlog.Errorln("nbd-chaind: metrics server:", err)
	}
}

// buildChain constructs the outer-to-inner layer list cfg.Chain names,
// applies each layer's own Config keys from cfg's typed sections, and
// composes them (§3 Backend layer: "constructed at startup in
// outer-to-inner order").
func buildChain(cfg *config.Config) (*chain.Layer, error) {
	layers := make([]*chain.Layer, 0, len(cfg.Chain))
	for _, name := range cfg.Chain {
		l, err := buildLayer(name, cfg)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	if len(layers) == 0 {
		return nil, errors.New("nbd-chaind: empty chain")
	}
	return chain.Compose(layers...), nil
}

func buildLayer(name string, cfg *config.Config) (*chain.Layer, error) {
	switch name {
	case "retry":
		return retry.New(cfg.RetryLayerConfig()), nil
	case "partition":
		return partition.New(cfg.PartitionLayerConfig()), nil
	case "evil":
		l := evil.New()
		if err := applyEvilConfig(l, cfg); err != nil {
			return nil, err
		}
		return l, nil
	case "qcow2":
		return qcow2.New(), nil
	case "http":
		l := httpplugin.New()
		if err := applyHTTPConfig(l, cfg); err != nil {
			return nil, err
		}
		return l, nil
	case "mem":
		return memplugin.New(memplugin.Config{Byte: cfg.Mem.Byte, Size: cfg.Mem.Size}), nil
	default:
		return nil, errors.Errorf("nbd-chaind: unknown chain layer %q", name)
	}
}

func applyEvilConfig(l *chain.Layer, cfg *config.Config) error {
	if cfg.Evil.Mode != "" {
		if err := l.Config("evil-mode", cfg.Evil.Mode); err != nil {
			return err
		}
	}
	if cfg.Evil.Probability >= 0 {
		if err := l.Config("evil-probability", formatFloat(cfg.Evil.Probability)); err != nil {
			return err
		}
	}
	if cfg.Evil.StuckProbability > 0 {
		if err := l.Config("evil-stuck-probability", formatFloat(cfg.Evil.StuckProbability)); err != nil {
			return err
		}
	}
	if cfg.Evil.Seed != 0 {
		if err := l.Config("evil-seed", formatUint(cfg.Evil.Seed)); err != nil {
			return err
		}
	}
	return nil
}

func applyHTTPConfig(l *chain.Layer, cfg *config.Config) error {
	set := func(key, val string) error {
		if val == "" {
			return nil
		}
		return l.Config(key, val)
	}
	if err := set("url", cfg.HTTP.URL); err != nil {
		return err
	}
	if err := set("user", cfg.HTTP.User); err != nil {
		return err
	}
	if err := set("password", cfg.HTTP.Password); err != nil {
		return err
	}
	if err := set("cookie", cfg.HTTP.Cookie); err != nil {
		return err
	}
	if err := set("useragent", cfg.HTTP.UserAgent); err != nil {
		return err
	}
	for _, h := range cfg.HTTP.Headers {
		if err := l.Config("header", h); err != nil {
			return err
		}
	}
	if cfg.HTTP.FollowLocation {
		if err := l.Config("followlocation", "true"); err != nil {
			return err
		}
	}
	if cfg.HTTP.Connections > 0 {
		if err := l.Config("connections", formatInt(cfg.HTTP.Connections)); err != nil {
			return err
		}
	}
	return nil
}

// selfTest opens one connection against the assembled chain and runs it
// through prepare/close, the same handshake a real NBD client triggers,
// so a misconfigured chain is caught before nbd-chaind starts advertising
// itself as ready. The connection's trace id tags both log lines, the
// grep key an operator follows through a busier log once real traffic
// starts.
//
// Every dispatch into the chain — prepare and size here, and any future
// request handler — runs under gate, the synchronization the negotiated
// thread model requires (§4.C9, §5): a stricter-than-parallel model means
// at most one dispatch proceeds at a time across the whole process, not
// just within one connection.
func selfTest(outer *chain.Layer, gate *chain.Gate) error {
	ctx, err := chain.Open(outer, true, "")
	if err != nil {
		return errors.Wrap(err, "open")
	}
	trace := nlog.Traced(ctx.TraceID)
	trace.Infoln("self-test: opened chain")
	defer chain.Close(ctx)

	if err := gate.Acquire(context.Background()); err != nil {
		return errors.Wrap(err, "gate acquire")
	}
	defer gate.Release()

	if err := chain.Prepare(ctx); err != nil {
		return errors.Wrap(err, "prepare")
	}
	size, err := chain.Size(ctx)
	if err != nil {
		return errors.Wrap(err, "size")
	}
	trace.Infoln("self-test: prepared, size =", size)
	return nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
func formatInt(n int) string       { return strconv.Itoa(n) }
func formatUint(n uint32) string   { return strconv.FormatUint(uint64(n), 10) }
