package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/brmartins/courier/internal/daemon"
	"github.com/brmartins/courier/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides COURIER_SESSION)")
	configFlag := flag.String("config", "", "config file path (overrides session default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			ConfigPath:  *configFlag,
		}),
	)

	app.Run()
}
