package start

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alpacahq/queuestore/journal"
	"github.com/alpacahq/queuestore/metrics"
	"github.com/alpacahq/queuestore/paging"
	"github.com/alpacahq/queuestore/persistence"
	"github.com/alpacahq/queuestore/postoffice"
	"github.com/alpacahq/queuestore/sequentialfile"
	"github.com/alpacahq/queuestore/utils"
	"github.com/alpacahq/queuestore/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a queuestore broker"
	long                  = "This command recovers the journal and the page files and starts a queuestore broker"
	example               = "queuestore start --config <path>"
	defaultConfigFilePath = "./queuestore.yml"
	configDesc            = "set the path for the queuestore YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// broker is the running set of services, stopped in reverse order.
type broker struct {
	factory *sequentialfile.FileFactory
	storage *persistence.JournalStorageManager
	paging  *paging.Manager
	po      *postoffice.PostOffice
}

func open(config *utils.QueueStoreConfig) (*broker, error) {
	jc := config.Journal
	ff, err := sequentialfile.NewFactory(jc.Directory, sequentialfile.Options{
		Alignment: jc.Alignment,
		Async:     jc.Async,
		MaxIO:     jc.MaxIO,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal directory: %w", err)
	}
	j, err := journal.New(journal.Config{
		FileSize:      jc.FileSize,
		MinFiles:      jc.MinFiles,
		PoolFiles:     jc.PoolFiles,
		FilePrefix:    jc.FilePrefix,
		FileExtension: jc.FileExtension,
	}, ff)
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}
	b := &broker{factory: ff}
	b.storage = persistence.NewJournalStorageManager(j, persistence.Config{
		SyncTransactional:    jc.SyncTransactional,
		SyncNonTransactional: jc.SyncNonTransactional,
		IDBatchSize:          jc.IDBatchSize,
	})

	log.Info("recovering the journal from %s...", jc.Directory)
	state, err := b.storage.Load()
	if err == nil {
		err = b.storage.Start()
	}
	if err != nil {
		ff.Stop()
		return nil, err
	}

	repo, err := config.Repository()
	if err != nil {
		b.stop()
		return nil, err
	}
	b.paging = paging.NewManager(paging.Config{
		Directory:              config.Paging.Directory,
		GlobalMaxSize:          config.Paging.GlobalMaxSize,
		DefaultPageSize:        config.Paging.DefaultPageSize,
		PageTransactionTimeout: config.Paging.PageTransactionTimeout,
	}, repo, b.storage)
	if err = b.paging.Start(); err != nil {
		b.stop()
		return nil, fmt.Errorf("start paging: %w", err)
	}

	b.po = postoffice.New(b.storage, b.paging)
	for _, q := range config.Queues {
		if _, err = b.po.CreateQueue(q.Name, q.Address); err != nil {
			b.stop()
			return nil, err
		}
	}
	if err = b.po.Reload(state); err != nil {
		b.stop()
		return nil, fmt.Errorf("reload: %w", err)
	}
	b.paging.ResumeDepaging()
	return b, nil
}

func (b *broker) stop() {
	if b.paging != nil {
		if err := b.paging.Stop(); err != nil {
			log.Error("stop paging: %v", err)
		}
	}
	if err := b.storage.Stop(); err != nil {
		log.Error("stop storage: %v", err)
	}
	b.factory.Stop()
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args(=only the filepath to the config at the moment) are correct
	cmd.SilenceUsage = true

	log.Info("using %v for configuration", configFilePath)
	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}

	log.Info("initializing queuestore...")
	start := time.Now()
	b, err := open(config)
	if err != nil {
		return err
	}
	go metrics.StartDiskUsageMonitor(ctx, metrics.DiskUsageBytes, config.RootDirectory, config.DiskUsageMonitorInterval)

	startupTime := time.Since(start)
	metrics.StartupTime.Set(startupTime.Seconds())
	log.Info("startup time: %s", startupTime)

	var srv *http.Server
	serveErr := make(chan error, 1)
	if config.MetricsListenURL != "" {
		log.Info("launching prometheus metrics server on %s...", config.MetricsListenURL)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: config.MetricsListenURL, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err2 := srv.ListenAndServe(); err2 != nil && !errors.Is(err2, http.ErrServerClosed) {
				serveErr <- err2
			}
		}()
	}

	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	for {
		select {
		case err = <-serveErr:
			b.stop()
			return fmt.Errorf("failed to start metrics server - error: %w", err)
		case s := <-signalChan:
			if s == syscall.SIGUSR1 {
				log.Info("dumping stack traces due to SIGUSR1 request")
				if err2 := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err2 != nil {
					log.Error("failed to write goroutine pprof: %v", err2)
				}
				continue
			}
			log.Info("initiating graceful shutdown due to '%v' request", s)
			cancel()
			if srv != nil {
				if err2 := srv.Shutdown(context.Background()); err2 != nil {
					log.Error("shutdown metrics server: %v", err2)
				}
			}
			log.Info("waiting a grace period of %v to shutdown...", config.StopGracePeriod)
			time.Sleep(config.StopGracePeriod)
			b.stop()
			log.Info("exiting...")
			return nil
		}
	}
}
