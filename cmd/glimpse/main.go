package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/logging"

	"glimpse/internal/capture"
	"glimpse/internal/config"
	"glimpse/internal/server"
	"glimpse/internal/session"
)

var (
	flagConfig = flag.String("config", "", "YAML config file")
	flagEnv    = flag.String("env", ".env", "dotenv file loaded before reading GLIMPSE_* variables")
	flagDebug  = flag.Bool("debug", false, "Enable debug logging")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: glimpse [flags] <command> [command flags]

commands:
  cast       share a display with receivers
  receive    view a caster's display
  displays   list capturable displays

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := config.LoadDotEnv(*flagEnv); err != nil {
		log.Printf("warning: %v", err)
	}
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatal(err)
	}
	if *flagDebug {
		cfg.LogLevel = "debug"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "cast":
		err = runCast(ctx, cfg, args)
	case "receive":
		err = runReceive(ctx, cfg, args)
	case "displays":
		err = listDisplays()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func listDisplays() error {
	displays := capture.Displays()
	if len(displays) == 0 {
		return fmt.Errorf("no active displays")
	}
	for _, d := range displays {
		fmt.Println(d)
	}
	return nil
}

// serveControl runs the HTTP control API until ctx is done.
func serveControl(ctx context.Context, ctl session.Controller, cfg config.ControlConfig, lf logging.LoggerFactory) {
	srv := server.New(ctl, server.Config{
		Addr:          cfg.Addr,
		Token:         cfg.Token,
		TLS:           cfg.TLS,
		TLSCert:       cfg.TLSCert,
		TLSKey:        cfg.TLSKey,
		LoggerFactory: lf,
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Printf("control server: %v", err)
	}
}
