package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crystal-mush/clanbot/pkg/bot"
	"github.com/crystal-mush/clanbot/pkg/config"
	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/gameapi/fake"
	"github.com/crystal-mush/clanbot/pkg/metrics"
)

const version = "clanbot 1.0.0"

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

// lockTimeout bounds the wait for another instance to let go of the lockfile.
const lockTimeout = 10 * time.Second

// acquireLock takes the single-instance lockfile, waiting briefly for a
// previous instance to exit. The file stays open (and locked) for the life of
// the process.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(lockTimeout)
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("another instance holds %s", path)
		}
		time.Sleep(250 * time.Millisecond)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Sync()
	return f, nil
}

func main() {
	confFile := flag.String("conf", envDefault("CLANBOT_CONF", "clanbot.yaml"), "Path to config file (env: CLANBOT_CONF)")
	workDir := flag.String("dir", envDefault("CLANBOT_DIR", ""), "Working directory; must contain data/ and log/ (env: CLANBOT_DIR)")
	login := flag.String("login", envDefault("CLANBOT_LOGIN", ""), "Alternate user:password pair, overrides config (env: CLANBOT_LOGIN)")
	debug := flag.Bool("debug", os.Getenv("CLANBOT_DEBUG") == "true", "Run against the in-memory fake server (env: CLANBOT_DEBUG)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if *workDir != "" {
		if err := os.Chdir(*workDir); err != nil {
			log.Fatalf("Error entering working directory: %v", err)
		}
	}

	conf, err := config.Load(*confFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if *login != "" {
		user, pass, ok := strings.Cut(*login, ":")
		if !ok {
			log.Fatalf("-login wants user:password, got %q", *login)
		}
		conf.Username, conf.Password = user, pass
	}

	// data/ and log/ must both be writable before anything persists
	for _, dir := range []string{conf.DataDir, conf.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Error preparing %s: %v", dir, err)
		}
		probe := filepath.Join(dir, ".writable")
		if err := os.WriteFile(probe, nil, 0o644); err != nil {
			log.Fatalf("Directory %s is not writable: %v", dir, err)
		}
		os.Remove(probe)
	}

	logFile, err := os.OpenFile(filepath.Join(conf.LogDir, "clanbot.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("Error opening log file: %v", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	log.Printf("Starting %s", version)

	lock, err := acquireLock(filepath.Join(conf.DataDir, "clanbot.lock"))
	if err != nil {
		log.Fatalf("Error acquiring instance lock: %v", err)
	}
	defer lock.Close()

	connect := func() (gameapi.Client, error) {
		if *debug {
			log.Printf("Debug mode: using the in-memory fake server")
			return fake.New(), nil
		}
		if gameapi.Connect == nil {
			return nil, fmt.Errorf("no game server adapter linked into this build; use -debug")
		}
		return gameapi.Connect(conf.Username, conf.Password)
	}

	sup := bot.New(bot.Config{
		Conf:    conf,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
		Connect: connect,
		Version: version,
	})

	// the admin list follows the config file while everything else stays fixed
	stopWatch, err := config.Watch(*confFile, func(next *config.Config) {
		conf.SetAdmins(next.Admins)
	})
	if err != nil {
		log.Printf("Config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("Received %s, shutting down", sig)
		sup.Shutdown()
	}()

	os.Exit(sup.Run())
}
