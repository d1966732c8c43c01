package main

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dex-sp/smubench/gpib"
	"github.com/dex-sp/smubench/instruments"
	"github.com/dex-sp/smubench/visa"
)

// bench is the SMU session plus the optional switch matrix in front of it.
type bench struct {
	engine      *instruments.Engine
	matrix      *instruments.Agilent34980A
	closeOpener func() error
	logger      *slog.Logger
}

func newOpener(cfg InstrumentConfig) (instruments.Opener, func() error, error) {
	if cfg.Transport == "prologix" {
		return gpib.Opener{Port: cfg.Port, BaudRate: cfg.BaudRate, WriteDelay: cfg.WriteDelay}, func() error { return nil }, nil
	}
	rm, err := visa.NewOpener()
	if err != nil {
		return nil, nil, err
	}
	return rm, rm.Close, nil
}

func openBench(plan *Plan, logger *slog.Logger, metrics *instruments.Metrics) (*bench, error) {
	opener, closeOpener, err := newOpener(plan.Instrument)
	if err != nil {
		return nil, err
	}
	session, err := instruments.Connect(opener, plan.Instrument.Address,
		instruments.WithLogger(logger),
		instruments.WithMetrics(metrics),
		instruments.WithTimeout(plan.Instrument.Timeout))
	if err != nil {
		_ = closeOpener()
		return nil, err
	}
	b := &bench{
		engine:      instruments.NewEngine(session),
		closeOpener: closeOpener,
		logger:      logger,
	}
	id := session.Identity()
	logger.Info("SMU ready", "manufacturer", id.Manufacturer, "model", id.Model, "serial", id.Serial,
		"dialect", session.Dialect().String(), "warnings", len(session.Warnings()))

	if m := plan.Matrix; m != nil {
		instr, err := opener.Open(m.Address, plan.Instrument.Timeout)
		if err != nil {
			b.Close()
			return nil, errors.Wrapf(err, "open switch matrix %s", m.Address)
		}
		b.matrix, err = instruments.NewAgilent34980A(instr, m.Pins, logger)
		if err != nil {
			_ = instr.Close()
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *bench) Close() {
	if b.matrix != nil {
		if err := b.matrix.Close(); err != nil {
			b.logger.Warn("Switch matrix close failed", "error", err)
		}
	}
	if err := b.engine.Disconnect(); err != nil {
		b.logger.Warn("SMU disconnect failed", "error", err)
	}
	if err := b.closeOpener(); err != nil {
		b.logger.Warn("Resource manager close failed", "error", err)
	}
}

// Measure runs the plan once, or once per matrix device.
func (b *bench) Measure(ctx context.Context, plan *Plan) error {
	proto, err := plan.Protocol.Build()
	if err != nil {
		return err
	}
	if b.matrix == nil {
		return b.measureDevice(ctx, plan, proto, instruments.Device{})
	}
	for _, d := range plan.Matrix.Devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.matrix.Route(d); err != nil {
			return err
		}
		if err := b.measureDevice(ctx, plan, proto, d); err != nil {
			return errors.Wrapf(err, "device %s", d.Name)
		}
	}
	return b.matrix.OpenAllRelays()
}

func (b *bench) measureDevice(ctx context.Context, plan *Plan, proto instruments.Protocol, d instruments.Device) error {
	logger := b.logger
	if d.Name != "" {
		logger = logger.With("device", d.Name)
	}

	var records []instruments.Record
	if r := plan.Resistance; r != nil {
		mode := instruments.TwoWire
		if r.FourWire || d.FourWire {
			mode = instruments.FourWire
		}
		rec, err := b.engine.MeasureResistance(mode, r.TestCurrent, r.Compliance)
		if err != nil {
			return errors.Wrap(err, "resistance check")
		}
		logger.Info("Resistance measured", "mode", mode.String(), "ohm", rec.Resistance)
		records = append(records, rec)
	}

	run, err := b.engine.Start(proto, progressLogger(logger))
	if err != nil {
		return err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		run.Cancel()
		<-run.Done()
	}
	summary := run.Summary()
	records = append(records, summary.Records...)

	name := exportName(proto.Kind(), d.Name, summary.Started)
	meta := instruments.ExportMeta{
		Instrument: b.engine.Session().Identity().Raw,
		Created:    summary.Finished,
	}
	if err := exportCSV(filepath.Join(plan.Export.Dir, name), meta, records); err != nil {
		logger.Error("Export failed", "error", err)
	} else if len(records) > 0 {
		logger.Info("Run exported", "file", name, "records", len(records))
	}

	switch summary.Status {
	case instruments.StatusCancelled:
		return context.Canceled
	case instruments.StatusFaulted:
		return summary.Err
	}
	return nil
}

// progressLogger logs a line every 10 percent.
func progressLogger(logger *slog.Logger) instruments.Listener {
	last := -1.0
	return instruments.ListenerFuncs{
		OnProgress: func(_ uuid.UUID, percent float64) {
			step := math.Floor(percent / 10)
			if step > last {
				last = step
				logger.Info("Progress", "percent", math.Round(percent))
			}
		},
		OnFinish: func(s instruments.Summary) {
			logger.Info("Run summary", "run_id", s.RunID, "status", s.Status.String(), "cause", s.Cause,
				"elapsed", s.Finished.Sub(s.Started).Round(time.Millisecond))
		},
	}
}

func exportName(kind instruments.Kind, device string, started time.Time) string {
	parts := []string{strings.ToLower(kind.String())}
	if device != "" {
		parts = append(parts, device)
	}
	parts = append(parts, started.Format("20060102_150405"))
	return strings.Join(parts, "_") + ".csv"
}

func exportCSV(path string, meta instruments.ExportMeta, records []instruments.Record) error {
	if len(records) == 0 {
		slog.Warn("No data to export", "file", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create export directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create export file")
	}
	if err := instruments.WriteCSV(f, meta, records); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close export file")
}
