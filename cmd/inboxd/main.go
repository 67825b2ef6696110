package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/brunodmn/inboxcache/internal/daemon"
)

func main() {
	dataDir := flag.String("data-dir", "", "data directory (default ~/.inboxcache)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: *dataDir}),
	)

	app.Run()
}
