// Command btserver is the fleet controller: it stores trees, tracks runners
// from their heartbeats and sends them commands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	httpserver "example.com/treefleet/internal/http"
	"example.com/treefleet/internal/logger"
)

type CLI struct {
	DB        string `name:"db" help:"SQLite database path." env:"DB_PATH" default:"/data/treefleet.db"`
	Addr      string `help:"HTTP listen address." env:"HTTP_ADDR" default:":8080"`
	Broker    string `help:"MQTT broker URL." env:"MQTT_BROKER"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." env:"LOG_LEVEL" default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text" enum:"text,json"`
}

func (c *CLI) Run() error {
	log, err := logger.Init(c.LogLevel, os.Stderr, c.LogFormat)
	if err != nil {
		return err
	}
	server, err := httpserver.NewServer(c.DB, c.Broker)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("controller starting", "db", c.DB, "addr", c.Addr)
	return server.Run(ctx, c.Addr)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("btserver"),
		kong.Description("Behavior tree fleet controller."),
	)
	kctx.FatalIfErrorf(kctx.Run())
}
