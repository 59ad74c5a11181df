package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	prowConfig "sigs.k8s.io/prow/pkg/config"
	"sigs.k8s.io/prow/pkg/flagutil"
	"sigs.k8s.io/prow/pkg/interrupts"
	"sigs.k8s.io/prow/pkg/logrusutil"
	prowMetrics "sigs.k8s.io/prow/pkg/metrics"
	"sigs.k8s.io/prow/pkg/pjutil"

	"github.com/openwrt/update-server/pkg/config"
	"github.com/openwrt/update-server/pkg/intake"
	"github.com/openwrt/update-server/pkg/metrics"
	"github.com/openwrt/update-server/pkg/storage"
	"github.com/openwrt/update-server/pkg/upload"
)

func init() {
	prometheus.MustRegister(metrics.All()...)
}

type options struct {
	logLevel    string
	address     string
	gracePeriod time.Duration
	configPath  string
	database    string
}

func gatherOptions() (options, error) {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&o.logLevel, "log-level", "info", "Level at which to log output.")
	fs.StringVar(&o.address, "address", ":8080", "Address to run server on")
	fs.DurationVar(&o.gracePeriod, "gracePeriod", time.Second*10, "Grace period for server shutdown")
	fs.StringVar(&o.configPath, "config", "", "Path to the service configuration file.")
	fs.StringVar(&o.database, "database", "", "Path to the SQLite state database.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return o, fmt.Errorf("failed to parse flags: %w", err)
	}
	return o, nil
}

func validateOptions(o options) error {
	if _, err := log.ParseLevel(o.logLevel); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	if o.configPath == "" {
		return fmt.Errorf("--config must be specified")
	}
	if o.database == "" {
		return fmt.Errorf("--database must be specified")
	}
	return nil
}

func main() {
	logrusutil.ComponentInit()

	o, err := gatherOptions()
	if err != nil {
		log.WithError(err).Fatal("failed to gather options")
	}
	if err := validateOptions(o); err != nil {
		log.WithError(err).Fatal("invalid options")
	}
	level, _ := log.ParseLevel(o.logLevel)
	log.SetLevel(level)

	cfg, err := config.Load(o.configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	store, err := storage.Open(o.database)
	if err != nil {
		log.WithError(err).Fatal("failed to open state database")
	}
	interrupts.OnInterrupt(func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("failed to close state database")
		}
	})

	router := httprouter.New()
	intake.NewServer(cfg, store).Register(router)
	upload.NewServer(cfg, store).Register(router)
	router.ServeFiles("/download/*filepath", http.Dir(cfg.DownloadDir))

	health := pjutil.NewHealth()
	prowMetrics.ExposeMetrics("update-server", prowConfig.PushGateway{}, flagutil.DefaultMetricsPort)

	interrupts.ListenAndServe(&http.Server{Addr: o.address, Handler: router}, o.gracePeriod)
	health.ServeReady()
	interrupts.WaitForGracefulShutdown()
}
