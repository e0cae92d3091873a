package main

import (
	"flag"
	_log "log"
	"os"
	"os/user"
	"path/filepath"

	"github.com/evilrelay/evilrelay/core"
	"github.com/evilrelay/evilrelay/database"
	"github.com/evilrelay/evilrelay/log"
)

var cfg_dir = flag.String("c", "", "Configuration directory path")
var debug_log = flag.Bool("debug", false, "Enable debug output")
var http_port = flag.Int("port", 0, "Relay listen port (overrides config)")
var db_path = flag.String("d", "", "Session database path (default in-memory)")
var version_flag = flag.Bool("v", false, "Show version")

func main() {
	flag.Parse()

	if *version_flag == true {
		log.Info("version: %s", core.VERSION)
		return
	}

	core.Banner()

	_log.SetOutput(log.NullLogger().Writer())

	log.DebugEnable(*debug_log)
	if *debug_log {
		log.Info("debug output enabled")
	}

	if *cfg_dir == "" {
		usr, err := user.Current()
		if err != nil {
			log.Fatal("%v", err)
			return
		}
		*cfg_dir = filepath.Join(usr.HomeDir, ".evilrelay")
	}

	log.Info("loading configuration from: %s", *cfg_dir)
	err := os.MkdirAll(*cfg_dir, os.FileMode(0700))
	if err != nil {
		log.Fatal("%v", err)
		return
	}

	cfg, err := core.NewConfig(*cfg_dir, "")
	if err != nil {
		log.Fatal("config: %v", err)
		return
	}
	if *http_port != 0 {
		cfg.SetHttpPort(*http_port)
	}

	if *db_path == "" {
		*db_path = ":memory:"
	}
	db, err := database.NewDatabase(*db_path)
	if err != nil {
		log.Fatal("database: %v", err)
		return
	}
	defer db.Close()

	relay, err := core.NewHttpRelay(cfg.GetServerBindIP(), cfg.GetHttpPort(), cfg, db)
	if err != nil {
		log.Fatal("relay: %v", err)
		return
	}
	relay.Start()

	api := core.NewRelayAPI(relay, cfg.GetInternalAPIPort())
	api.Start()

	t, err := core.NewTerminal(relay, cfg)
	if err != nil {
		log.Fatal("%v", err)
		return
	}
	defer t.Close()

	t.DoWork()
}
