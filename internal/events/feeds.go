package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultRefreshSchedule = "@every 1h"
	defaultFetchTimeout    = 15 * time.Second
	maxFeedBytes           = 4 << 20
)

var (
	// ErrFeedStatus indicates that a feed responded with a non-success status.
	ErrFeedStatus = errors.New("events: unexpected feed status")
	// ErrFeedTooLarge indicates that a feed body exceeds the accepted size.
	ErrFeedTooLarge = errors.New("events: feed body too large")
)

// Feed names a remote ICS calendar imported under a source identifier.
type Feed struct {
	Source string `mapstructure:"source" yaml:"source"`
	URL    string `mapstructure:"url" yaml:"url"`
}

// Importer applies an ICS payload for a source.
type Importer interface {
	ImportICS(ctx context.Context, source string, body []byte) (ImportResult, error)
}

// FeedSchedulerConfig describes the feed refresh loop.
type FeedSchedulerConfig struct {
	Importer   Importer
	Feeds      []Feed
	Schedule   string
	HTTPClient *http.Client
	Location   *time.Location
	Logger     *zap.Logger
}

type feedCache struct {
	etag         string
	lastModified string
}

// FeedScheduler periodically fetches configured feeds and imports them.
type FeedScheduler struct {
	importer Importer
	feeds    []Feed
	schedule string
	client   *http.Client
	logger   *zap.Logger
	cron     *cron.Cron

	mu    sync.Mutex
	cache map[string]feedCache
}

// NewFeedScheduler validates the schedule and registers the refresh job.
func NewFeedScheduler(cfg FeedSchedulerConfig) (*FeedScheduler, error) {
	if cfg.Importer == nil {
		return nil, errors.New("events: feed importer is required")
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = defaultRefreshSchedule
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}

	feeds := make([]Feed, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		feed.Source = strings.TrimSpace(feed.Source)
		feed.URL = strings.TrimSpace(feed.URL)
		if feed.Source == "" || feed.URL == "" {
			return nil, fmt.Errorf("events: feed requires source and url (source=%q)", feed.Source)
		}
		feeds = append(feeds, feed)
	}

	scheduler := &FeedScheduler{
		importer: cfg.Importer,
		feeds:    feeds,
		schedule: schedule,
		client:   client,
		logger:   logger,
		cron:     cron.New(cron.WithLocation(location)),
		cache:    make(map[string]feedCache),
	}
	if _, err := scheduler.cron.AddFunc(schedule, func() {
		scheduler.RefreshAll(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("events: invalid refresh schedule %q: %w", schedule, err)
	}
	return scheduler, nil
}

// Start runs an initial refresh and then follows the schedule.
func (s *FeedScheduler) Start(ctx context.Context) {
	if len(s.feeds) == 0 {
		s.logger.Info("no calendar feeds configured")
		return
	}
	go s.RefreshAll(ctx)
	s.cron.Start()
	s.logger.Info("calendar feed refresh scheduled",
		zap.String("schedule", s.schedule),
		zap.Int("feeds", len(s.feeds)))
}

// Stop halts the schedule and waits for a running refresh.
func (s *FeedScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RefreshAll fetches and imports every feed. Failures are logged per feed.
func (s *FeedScheduler) RefreshAll(ctx context.Context) {
	for _, feed := range s.feeds {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Refresh(ctx, feed); err != nil {
			s.logger.Warn("calendar feed refresh failed",
				zap.String("source", feed.Source),
				zap.Error(err))
		}
	}
}

// Refresh fetches one feed and imports it. An unchanged feed (HTTP 304) is a no-op.
func (s *FeedScheduler) Refresh(ctx context.Context, feed Feed) (ImportResult, error) {
	body, validators, changed, err := s.fetch(ctx, feed)
	if err != nil {
		return ImportResult{}, err
	}
	if !changed {
		return ImportResult{}, nil
	}
	result, err := s.importer.ImportICS(ctx, feed.Source, body)
	if err != nil {
		return ImportResult{}, err
	}
	s.mu.Lock()
	s.cache[feed.URL] = validators
	s.mu.Unlock()
	return result, nil
}

func (s *FeedScheduler) fetch(ctx context.Context, feed Feed) ([]byte, feedCache, bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, feedCache{}, false, err
	}
	s.mu.Lock()
	cached, hasCache := s.cache[feed.URL]
	s.mu.Unlock()
	if hasCache {
		if cached.etag != "" {
			request.Header.Set("If-None-Match", cached.etag)
		}
		if cached.lastModified != "" {
			request.Header.Set("If-Modified-Since", cached.lastModified)
		}
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, feedCache{}, false, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotModified && hasCache {
		return nil, cached, false, nil
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, feedCache{}, false, fmt.Errorf("%w: %d", ErrFeedStatus, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxFeedBytes+1))
	if err != nil {
		return nil, feedCache{}, false, err
	}
	if len(body) > maxFeedBytes {
		return nil, feedCache{}, false, ErrFeedTooLarge
	}
	validators := feedCache{
		etag:         response.Header.Get("ETag"),
		lastModified: response.Header.Get("Last-Modified"),
	}
	return body, validators, true, nil
}
