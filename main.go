// Package main is an AI assistant living on nostr: it answers private
// messages and public mentions through the Gemini API and is paid in sats
// via zap receipts. Configuration is via environment variables or an
// optional .env file.
package main

import (
	"fmt"
	"os"

	"zapai.dev/pkg/app"
	"zapai.dev/pkg/app/config"
	"zapai.dev/pkg/store"
	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/interrupt"
	"zapai.dev/pkg/utils/log"
	"zapai.dev/pkg/utils/lol"
	"zapai.dev/pkg/version"
)

func main() {
	var err error
	var cfg *config.C
	if cfg, err = config.New(); chk.T(err) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
		}
		config.PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	log.I.F("starting %s %s", cfg.AppName, version.V)
	if config.GetEnv() {
		config.PrintEnv(cfg, os.Stdout)
		os.Exit(0)
	}
	if config.HelpRequested() {
		config.PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	lol.SetLogLevel(cfg.LogLevel)
	if err = cfg.Validate(); chk.E(err) {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
		config.PrintHelp(cfg, os.Stderr)
		os.Exit(1)
	}
	c, cancel := context.Cancel(context.Bg())
	db, err := store.New(c, cancel, cfg.DataDir, cfg.DbLogLevel)
	if chk.E(err) {
		os.Exit(1)
	}
	var bot *app.Bot
	if bot, err = app.New(c, cancel, cfg, db); chk.E(err) {
		chk.E(db.Close())
		os.Exit(1)
	}
	interrupt.AddHandler(func() { bot.Shutdown() })
	bot.Start()
	<-c.Done()
	log.I.F("%s stopped", cfg.AppName)
}
