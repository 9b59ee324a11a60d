package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/gops/agent"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/42wim/mxpane/app"
	"github.com/42wim/mxpane/bridge/backend"
	"github.com/42wim/mxpane/bridge/matrix"
	"github.com/42wim/mxpane/bus"
	"github.com/42wim/mxpane/config"
	"github.com/42wim/mxpane/session"
	"github.com/42wim/mxpane/store"
)

var (
	version = "0.1.0"
	githash string

	logger *logrus.Entry
	v      *viper.Viper
)

func main() {
	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{PrefixPadding: 14, FullTimestamp: true})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "main"})

	flagConfig := flag.String("conf", "", "config file")
	flag.Bool("debug", false, "enable debug logging")
	flag.Bool("trace", false, "enable trace logging (dumps payloads)")
	flag.Bool("gops", false, "enable gops agent")
	flagVersion := flag.Bool("version", false, "show version")
	flag.String("backend", "", "message-proxy backend url")
	flag.String("push", "", "backend push channel url")
	flag.String("db", "", "session database file")
	flag.String("metrics", "", "serve prometheus metrics on this address (eg 127.0.0.1:9100)")
	flagHomeserver := flag.String("homeserver", "", "log in to this homeserver when no session can be restored")
	flagUser := flag.String("user", "", "username to log in with")
	flagPassword := flag.String("password", "", "password to log in with (or set MXPANE_PASSWORD)")
	flag.Parse()

	if *flagVersion {
		fmt.Printf("version: %s %s\n", version, githash)
		return
	}

	var err error

	v, err = config.LoadConfig(*flagConfig)
	if err != nil {
		logger.Fatalf("%s", err)
	}

	for key, name := range map[string]string{
		"debug":          "debug",
		"trace":          "trace",
		"gops":           "gops",
		"backend.url":    "backend",
		"backend.push":   "push",
		"session.db":     "db",
		"metrics.listen": "metrics",
	} {
		if f := flag.Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}

	setLoggers(v)

	logger.Infof("mxpane %s starting (%s %s)", version, runtime.GOOS, runtime.GOARCH)

	if v.GetBool("gops") {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Error(err)
		}
	}

	if addr := v.GetString("metrics.listen"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())

			logger.Infof("serving metrics on %s", addr)

			if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
				logger.Errorf("metrics listener: %s", err)
			}
		}()
	}

	sessions, err := session.NewBoltStore(v.GetString("session.db"))
	if err != nil {
		logger.Fatalf("%s", err)
	}
	defer sessions.Close()

	a, err := app.New(v, sessions)
	if err != nil {
		logger.Fatalf("%s", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Rooms.Subscribe(func(st store.RoomsState) {
		logger.Debugf("%d rooms, %d unread, %d highlights", len(st.Rooms), st.TotalUnreadCount(), st.TotalHighlightCount())
	})

	state, err := a.Start(ctx)
	if err != nil {
		logger.Errorf("startup: %s", err)
	}

	if state != session.Active && *flagHomeserver != "" {
		password := *flagPassword
		if password == "" {
			password = os.Getenv("MXPANE_PASSWORD")
		}

		if err := a.Login(ctx, *flagHomeserver, *flagUser, password); err != nil {
			logger.Errorf("login to %s failed: %s", *flagHomeserver, backend.ErrorMessage(err))
		}
	}

	logger.Infof("session state: %s", a.Session.State())

	<-ctx.Done()
	logger.Info("shutting down")
}

func setLoggers(v *viper.Viper) {
	logger = config.NewLogger(v, "main")
	config.Logger = config.NewLogger(v, "config")

	app.SetLogger(config.NewLogger(v, "app"))
	bus.SetLogger(config.NewLogger(v, "bus"))
	session.SetLogger(config.NewLogger(v, "session"))
	store.SetLogger(config.NewLogger(v, "store"))
	backend.SetLogger(config.NewLogger(v, "backend"))
	matrix.SetLogger(config.NewLogger(v, "matrix"))
}
