package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"glimpse/internal/capture"
	"glimpse/internal/caster"
	"glimpse/internal/config"
	"glimpse/internal/pixfmt"
	"glimpse/internal/region"
	"glimpse/internal/session"
	"glimpse/internal/types"
)

func runCast(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("cast", flag.ExitOnError)
	fs.StringVar(&cfg.Cast.Listen, "listen", cfg.Cast.Listen, "UDP address receivers register with")
	fs.StringVar(&cfg.Cast.Source, "source", cfg.Cast.Source, "Frame source (screen or synthetic)")
	fs.IntVar(&cfg.Cast.Display, "display", cfg.Cast.Display, "Display index to capture (see 'glimpse displays')")
	fs.IntVar(&cfg.Cast.FPS, "fps", cfg.Cast.FPS, "Capture frame rate")
	fs.IntVar(&cfg.Cast.MaxViewers, "max-viewers", cfg.Cast.MaxViewers, "Reject receivers beyond this many (0 = unlimited)")
	fs.BoolVar(&cfg.Cast.StartBlanked, "blank", cfg.Cast.StartBlanked, "Start with sharing paused")
	fs.DurationVar(&cfg.Cast.StatsInterval, "stats", cfg.Cast.StatsInterval, "Log pipeline stats at this interval (0 = off)")
	fs.StringVar(&cfg.Control.Addr, "control", cfg.Control.Addr, "HTTP control address (empty = disabled)")
	fs.StringVar(&cfg.Control.Token, "token", cfg.Control.Token, "Bearer token for the control server")
	fs.BoolVar(&cfg.Control.TLS, "tls", cfg.Control.TLS, "Serve the control API over HTTPS with a self-signed certificate")
	fs.StringVar(&cfg.Control.TLSCert, "tls-cert", cfg.Control.TLSCert, "TLS certificate file (PEM)")
	fs.StringVar(&cfg.Control.TLSKey, "tls-key", cfg.Control.TLSKey, "TLS private key file (PEM)")
	regionFlag := fs.String("region", "", "Share only x0,y0,x1,y1 in 0..1000 normalized coordinates")
	fs.Parse(args)

	if err := cfg.Validate(); err != nil {
		return err
	}
	sel, err := parseRegion(*regionFlag)
	if err != nil {
		return err
	}
	target, err := openTarget(cfg.Cast)
	if err != nil {
		return err
	}

	lf := cfg.LoggerFactory()
	c, err := session.NewCaster(session.CasterConfig{
		Listen:        cfg.Cast.Listen,
		Target:        target,
		FPS:           cfg.Cast.FPS,
		StatsInterval: cfg.Cast.StatsInterval,
		Socket: caster.Config{
			MaxDatagram:  cfg.Cast.MaxDatagram,
			MaxViewers:   cfg.Cast.MaxViewers,
			Lease:        cfg.Cast.Lease,
			SocketBuffer: cfg.Cast.SocketBuffer,
		},
		LoggerFactory: lf,
	})
	if err != nil {
		target.Close()
		return err
	}
	defer c.Close()

	c.SetBlanked(cfg.Cast.StartBlanked)
	if err := c.StartRegion(ctx, sel); err != nil {
		return err
	}
	log.Printf("casting %s on %s (session %s)", target.Name(), c.Socket().LocalAddr(), c.Socket().SessionID())

	if cfg.Control.Addr != "" {
		go serveControl(ctx, c, cfg.Control, lf)
	} else {
		go logViewers(c.Events())
	}

	<-ctx.Done()
	log.Printf("shutting down...")
	return nil
}

func logViewers(events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.EventViewerCount:
			log.Printf("%d viewer(s)", ev.Viewers)
		case session.EventStopped:
			if ev.Err != "" {
				log.Printf("sharing stopped: %s", ev.Err)
			}
		}
	}
}

func openTarget(cfg config.CastConfig) (types.MonitorTarget, error) {
	switch cfg.Source {
	case "synthetic":
		s := capture.NewSynthetic(640, 360, pixfmt.BGRA, [4]byte{0x30, 0x60, 0x90, 0xff})
		s.Animate = true
		return s, nil
	default:
		d, err := capture.OpenDisplay(cfg.Display)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func parseRegion(s string) (*region.Selection, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("--region wants x0,y0,x1,y1, got %q", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("--region: %w", err)
		}
		v[i] = n
	}
	return &region.Selection{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}, nil
}
