package utils

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v2"

	"github.com/alpacahq/queuestore/settings"
	"github.com/alpacahq/queuestore/utils/log"
)

const (
	defaultJournalFileSize          = 10 * 1024 * 1024
	defaultJournalMinFiles          = 2
	defaultJournalMaxIO             = 500
	defaultIDBatchSize              = 1000
	defaultStopGracePeriod          = 0
	defaultDiskUsageMonitorInterval = 10 * time.Minute
	defaultPageTransactionTimeout   = 5 * time.Second
)

type JournalConfig struct {
	Directory            string
	FileSize             int
	MinFiles             int
	PoolFiles            int
	Alignment            int
	Async                bool
	MaxIO                int
	SyncTransactional    bool
	SyncNonTransactional bool
	FilePrefix           string
	FileExtension        string
	IDBatchSize          int64
}

type PagingConfig struct {
	Directory              string
	GlobalMaxSize          int64
	DefaultPageSize        int64
	PageTransactionTimeout time.Duration
}

type AddressSetting struct {
	Match    string
	Settings settings.AddressSettings
}

type QueueSetting struct {
	Name    string
	Address string
}

type QueueStoreConfig struct {
	RootDirectory            string
	LogLevel                 log.Level
	MetricsListenURL         string
	StopGracePeriod          time.Duration
	DiskUsageMonitorInterval time.Duration
	Journal                  JournalConfig
	Paging                   PagingConfig
	AddressSettings          []AddressSetting
	Queues                   []QueueSetting
	StartTime                time.Time
}

// Repository returns the address settings repository built from the
// address_settings entries.
func (c *QueueStoreConfig) Repository() (*settings.Repository, error) {
	repo := settings.NewRepository(settings.Defaults())
	for _, as := range c.AddressSettings {
		if err := repo.AddMatch(as.Match, as.Settings); err != nil {
			return nil, fmt.Errorf("address settings %q: %w", as.Match, err)
		}
	}
	return repo, nil
}

// parseBytes reads a byte count, plain or with a unit such as 10M. -1 stands
// for no limit and an empty value for unset.
func parseBytes(key, s string) (int64, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0, nil
	case "-1":
		return settings.Unlimited, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
		return n, nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return int64(n), nil
}

func parseDuration(key, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func ParseConfig(data []byte) (*QueueStoreConfig, error) {
	var (
		err error
		aux struct {
			RootDirectory            string `yaml:"root_directory"`
			LogLevel                 string `yaml:"log_level"`
			MetricsListenURL         string `yaml:"metrics_listen_url"`
			StopGracePeriod          int    `yaml:"stop_grace_period"`
			DiskUsageMonitorInterval string `yaml:"disk_usage_monitor_interval"`
			Journal                  struct {
				Directory            string `yaml:"directory"`
				FileSize             string `yaml:"file_size"`
				MinFiles             int    `yaml:"min_files"`
				PoolFiles            int    `yaml:"pool_files"`
				Alignment            int    `yaml:"alignment"`
				Async                *bool  `yaml:"async"`
				MaxIO                int    `yaml:"max_io"`
				SyncTransactional    *bool  `yaml:"sync_transactional"`
				SyncNonTransactional *bool  `yaml:"sync_non_transactional"`
				FilePrefix           string `yaml:"file_prefix"`
				FileExtension        string `yaml:"file_extension"`
				IDBatchSize          int64  `yaml:"id_batch_size"`
			} `yaml:"journal"`
			Paging struct {
				Directory              string `yaml:"directory"`
				GlobalMaxSize          string `yaml:"global_max_size"`
				DefaultPageSize        string `yaml:"default_page_size"`
				PageTransactionTimeout string `yaml:"page_transaction_timeout"`
			} `yaml:"paging"`
			AddressSettings []struct {
				Match             string `yaml:"match"`
				MaxSize           string `yaml:"max_size"`
				PageSize          string `yaml:"page_size"`
				AddressFullPolicy string `yaml:"address_full_policy"`
			} `yaml:"address_settings"`
			Queues []struct {
				Name    string `yaml:"name"`
				Address string `yaml:"address"`
			} `yaml:"queues"`
		}
	)

	if err = yaml.Unmarshal(data, &aux); err != nil {
		return nil, err
	}
	if aux.RootDirectory == "" {
		return nil, errors.New("invalid root directory")
	}

	c := &QueueStoreConfig{
		RootDirectory:    aux.RootDirectory,
		MetricsListenURL: aux.MetricsListenURL,
		StopGracePeriod:  defaultStopGracePeriod,
		StartTime:        time.Now(),
	}
	if c.LogLevel, err = log.ParseLevel(aux.LogLevel); err != nil {
		return nil, err
	}
	if aux.StopGracePeriod > 0 {
		c.StopGracePeriod = time.Duration(aux.StopGracePeriod) * time.Second
	}
	c.DiskUsageMonitorInterval, err = parseDuration("disk_usage_monitor_interval",
		aux.DiskUsageMonitorInterval, defaultDiskUsageMonitorInterval)
	if err != nil {
		return nil, err
	}

	// journal
	j := aux.Journal
	c.Journal = JournalConfig{
		Directory:            j.Directory,
		MinFiles:             j.MinFiles,
		PoolFiles:            j.PoolFiles,
		Alignment:            j.Alignment,
		Async:                j.Async == nil || *j.Async,
		MaxIO:                j.MaxIO,
		SyncTransactional:    j.SyncTransactional == nil || *j.SyncTransactional,
		SyncNonTransactional: j.SyncNonTransactional == nil || *j.SyncNonTransactional,
		FilePrefix:           j.FilePrefix,
		FileExtension:        j.FileExtension,
		IDBatchSize:          j.IDBatchSize,
	}
	fileSize, err := parseBytes("journal file_size", j.FileSize)
	if err != nil {
		return nil, err
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("journal file_size cannot be unlimited")
	}
	c.Journal.FileSize = int(fileSize)
	if c.Journal.Directory == "" {
		c.Journal.Directory = filepath.Join(c.RootDirectory, "journal")
	}
	if c.Journal.FileSize == 0 {
		c.Journal.FileSize = defaultJournalFileSize
	}
	if c.Journal.MinFiles == 0 {
		c.Journal.MinFiles = defaultJournalMinFiles
	}
	if c.Journal.Alignment == 0 {
		c.Journal.Alignment = 1
	}
	if c.Journal.MaxIO == 0 {
		c.Journal.MaxIO = defaultJournalMaxIO
	}
	if c.Journal.IDBatchSize == 0 {
		c.Journal.IDBatchSize = defaultIDBatchSize
	}
	if c.Journal.FileSize%c.Journal.Alignment != 0 {
		return nil, fmt.Errorf("journal file_size %d is not a multiple of the alignment %d",
			c.Journal.FileSize, c.Journal.Alignment)
	}

	// paging
	p := aux.Paging
	c.Paging.Directory = p.Directory
	if c.Paging.Directory == "" {
		c.Paging.Directory = filepath.Join(c.RootDirectory, "paging")
	}
	if c.Paging.GlobalMaxSize, err = parseBytes("paging global_max_size", p.GlobalMaxSize); err != nil {
		return nil, err
	}
	if c.Paging.GlobalMaxSize == 0 {
		c.Paging.GlobalMaxSize = settings.Unlimited
	}
	if c.Paging.DefaultPageSize, err = parseBytes("paging default_page_size", p.DefaultPageSize); err != nil {
		return nil, err
	}
	if c.Paging.DefaultPageSize <= 0 {
		c.Paging.DefaultPageSize = settings.DefaultPageSizeBytes
	}
	c.Paging.PageTransactionTimeout, err = parseDuration("paging page_transaction_timeout",
		p.PageTransactionTimeout, defaultPageTransactionTimeout)
	if err != nil {
		return nil, err
	}

	for _, as := range aux.AddressSettings {
		if as.Match == "" {
			return nil, errors.New("address settings without match")
		}
		s := settings.AddressSettings{}
		if s.MaxSizeBytes, err = parseBytes("max_size of "+as.Match, as.MaxSize); err != nil {
			return nil, err
		}
		if s.PageSizeBytes, err = parseBytes("page_size of "+as.Match, as.PageSize); err != nil {
			return nil, err
		}
		if s.PageSizeBytes < 0 {
			return nil, fmt.Errorf("page_size of %s cannot be unlimited", as.Match)
		}
		if s.FullPolicy, err = settings.ParseFullPolicy(as.AddressFullPolicy); err != nil {
			return nil, err
		}
		c.AddressSettings = append(c.AddressSettings, AddressSetting{Match: as.Match, Settings: s})
	}

	seen := map[string]struct{}{}
	for _, q := range aux.Queues {
		if q.Name == "" || q.Address == "" {
			return nil, fmt.Errorf("queue %q needs a name and an address", q.Name)
		}
		if _, ok := seen[q.Name]; ok {
			return nil, fmt.Errorf("queue %s is declared twice", q.Name)
		}
		seen[q.Name] = struct{}{}
		c.Queues = append(c.Queues, QueueSetting{Name: q.Name, Address: q.Address})
	}

	log.SetLevel(c.LogLevel)
	return c, nil
}
