package main

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// metricsOut is where collected metrics are written when a command finishes.
// "-" means stderr; empty disables the dump.
var metricsOut string

func init() {
	rootCmd.PersistentFlags().StringVar(&metricsOut, "metrics-out", "", "Write Prometheus text metrics to this file on exit (- for stderr)")
}

// writeMetrics encodes every family gathered from g in the text exposition format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// dumpMetrics writes the gathered metrics to path, "-" meaning stderr.
func dumpMetrics(path string, g prometheus.Gatherer) error {
	if path == "-" {
		return writeMetrics(os.Stderr, g)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	if err := writeMetrics(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
