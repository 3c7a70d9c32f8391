package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/comms"
	"github.com/chaz8081/blectl/internal/config"
	"github.com/chaz8081/blectl/internal/device"
	"github.com/chaz8081/blectl/internal/journal"
)

// app bundles the manager with its optional journal.
type app struct {
	cfg     *config.Config
	adapter ble.Adapter
	manager *comms.Manager
	journal *journal.DB
}

// openApp powers on the radio and builds the manager from cfg.
func openApp(cfg *config.Config) (*app, error) {
	return openAppWith(cfg, ble.NewRadioAdapter())
}

func openAppWith(cfg *config.Config, adapter ble.Adapter) (*app, error) {
	a := &app{cfg: cfg, adapter: adapter}
	opts := cfg.Options()
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
		opts.Recorder = j
	}

	m, err := comms.New(adapter, device.NewRegistry(cfg.Scan.PriorityPrefixes), opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager = m
	if err := m.Enable(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close ends the session, releases the radio and closes the journal.
func (a *app) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if c, ok := a.adapter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("closing adapter", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			slog.Warn("closing journal", "error", err)
		}
	}
}

// findDevice scans until id is in the registry or timeout elapses.
func (a *app) findDevice(ctx context.Context, id string, timeout time.Duration) error {
	if _, ok := a.manager.Registry().Get(id); ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	updates, unsubscribe := a.manager.Subscribe()
	defer unsubscribe()

	if err := a.manager.StartScan(ctx); err != nil {
		return err
	}
	defer a.manager.StopScan()

	for {
		if _, ok := a.manager.Registry().Get(id); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("device %s not found within %s", id, timeout)
		case _, open := <-updates:
			if !open {
				return comms.ErrClosed
			}
		}
	}
}

// connect finds and connects to the configured device.
func (a *app) connect(ctx context.Context) error {
	id := a.cfg.Device.Address
	if id == "" {
		return fmt.Errorf("no device: pass --device or set device.address")
	}
	if err := a.findDevice(ctx, id, time.Duration(a.cfg.Scan.Duration)); err != nil {
		return err
	}
	return a.manager.Connect(ctx, id)
}

// connectWithRetry connects, then retries explicitly with backoff up to
// retries more times.
func (a *app) connectWithRetry(ctx context.Context, retries int) error {
	err := a.connect(ctx)
	for attempt := 0; err != nil && attempt < retries; attempt++ {
		delay := comms.RetryDelay(attempt, 30*time.Second)
		slog.Info("[CONN] connect failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if a.manager.Snapshot().SelectedDevice == "" {
			err = a.connect(ctx)
		} else {
			err = a.manager.RetryConnect(ctx)
		}
	}
	return err
}
