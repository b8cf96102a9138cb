// Command relayd runs a relay: the websocket and REST endpoint clients post
// messages to and subscribe through.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/relay"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "~/.relaychat/relay.toml", "Path to config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("relayd %s\n", Version)
		return
	}

	// A missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	if err := relay.InitLoggers(); err != nil {
		log.Fatalf("Failed to initialize loggers: %v", err)
	}
	if *debug {
		relay.EnableDebugLogging()
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	tomlConfig, err := relay.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		tomlConfig.Server.HTTPAddr = *addr
	}
	config, err := tomlConfig.ToConfig()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	driver, dsn, err := tomlConfig.DatabaseDSN()
	if err != nil {
		log.Fatalf("Invalid database config: %v", err)
	}
	store, err := database.Open(driver, dsn)
	if err != nil {
		log.Fatalf("Failed to open %s database: %v", driver, err)
	}

	log.Printf("relayd %s starting (%s store)", Version, driver)
	srv := relay.NewServer(store, config)
	if err := srv.Start(); err != nil {
		store.Close()
		log.Fatalf("Failed to start relay: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
