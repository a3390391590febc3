package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rmonteiro98/papo/internal/app"
	"github.com/rmonteiro98/papo/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file path (overrides ~/.papo/config.toml)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		app.Module(app.Params{SessionName: sessionName, ConfigPath: *configFlag}),
	).Run()
}
