package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"glimpse/internal/config"
	"glimpse/internal/receiver"
	"glimpse/internal/session"
	"glimpse/internal/types"
)

func runReceive(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	fs.StringVar(&cfg.Receive.Caster, "caster", cfg.Receive.Caster, "Caster address (host:port)")
	fs.StringVar(&cfg.Receive.Listen, "listen", cfg.Receive.Listen, "Local UDP address (empty = any free port)")
	fs.DurationVar(&cfg.Receive.RegisterTimeout, "timeout", cfg.Receive.RegisterTimeout, "Give up registering after this long")
	fs.StringVar(&cfg.Receive.Snapshot, "snapshot", cfg.Receive.Snapshot, "Write the newest frame to this PNG file")
	fs.StringVar(&cfg.Control.Addr, "control", cfg.Control.Addr, "HTTP control address (empty = disabled)")
	fs.StringVar(&cfg.Control.Token, "token", cfg.Control.Token, "Bearer token for the control server")
	fs.BoolVar(&cfg.Control.TLS, "tls", cfg.Control.TLS, "Serve the control API over HTTPS with a self-signed certificate")
	fs.StringVar(&cfg.Control.TLSCert, "tls-cert", cfg.Control.TLSCert, "TLS certificate file (PEM)")
	fs.StringVar(&cfg.Control.TLSKey, "tls-key", cfg.Control.TLSKey, "TLS private key file (PEM)")
	fs.Parse(args)

	if cfg.Receive.Caster == "" {
		return errors.New("--caster is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	lf := cfg.LoggerFactory()
	r := session.NewReceiver(session.ReceiverConfig{
		Caster: cfg.Receive.Caster,
		Listen: cfg.Receive.Listen,
		Socket: receiver.Config{
			RegisterTimeout:   cfg.Receive.RegisterTimeout,
			RetryInterval:     cfg.Receive.RetryInterval,
			HeartbeatInterval: cfg.Receive.HeartbeatInterval,
			SocketBuffer:      cfg.Receive.SocketBuffer,
		},
		LoggerFactory: lf,
	})
	defer r.Close()

	if err := r.Start(ctx); err != nil {
		return err
	}
	st := r.Status()
	log.Printf("viewing %s from %s (session %s)", cfg.Receive.Caster, st.Addr, st.Session)

	if cfg.Control.Addr != "" {
		go serveControl(ctx, r, cfg.Control, lf)
	}

	// The UI side of a receiver: poll for the newest frame on a fixed tick.
	ticker := time.NewTicker(cfg.Receive.PollInterval)
	defer ticker.Stop()
	var shown uint64
	lastReport := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Printf("shutting down...")
			return nil
		case <-ticker.C:
		}

		if f, ok := r.TryFrame(); ok {
			shown++
			if cfg.Receive.Snapshot != "" {
				if err := writeSnapshot(cfg.Receive.Snapshot, f); err != nil {
					log.Printf("snapshot: %v", err)
				}
			}
		}
		if time.Since(lastReport) >= 5*time.Second {
			st := r.Status()
			log.Printf("frames received=%d shown=%d dropped=%d (%dx%d)", st.Frames, shown, st.Dropped, st.Width, st.Height)
			lastReport = time.Now()
		}
		if st := r.Status(); !st.Running && cfg.Control.Addr == "" {
			return fmt.Errorf("session ended: %s", st.Err)
		}
	}
}

// writeSnapshot replaces path atomically so viewers never read a partial PNG.
func writeSnapshot(path string, f *types.Frame) error {
	img := &image.RGBA{Pix: f.Data, Stride: f.Width * 4, Rect: image.Rect(0, 0, f.Width, f.Height)}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".glimpse-*.png")
	if err != nil {
		return err
	}
	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
