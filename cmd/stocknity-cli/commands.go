package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/urfave/cli"
	"golang.org/x/crypto/bcrypt"

	"stocknity/middleware"
	"stocknity/models"
	"stocknity/scheduler"
	"stocknity/services/cache"
	"stocknity/services/datafetcher"
	"stocknity/services/queue"
	"stocknity/services/ratelimit"
	"stocknity/services/tracker"
)

const commandTimeout = 2 * time.Minute

// components builds the services a command needs over the shared backend
type components struct {
	store     *cache.Store
	tracker   *tracker.Tracker
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
}

func build(m *metadata) *components {
	log := logger.New("cli")
	store := cache.NewStore(m.backend, log, cache.WithRetention(m.config.CacheRetention))
	q := queue.New(m.backend, log)
	return &components{
		store:     store,
		tracker:   tracker.New(store, nil, log),
		queue:     q,
		scheduler: scheduler.NewScheduler(q, store, m.config.Scheduler, log),
	}
}

func runStatus(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	comp := build(m)
	combos, err := comp.scheduler.CacheStatus(ctx)
	if err != nil {
		return err
	}
	stats, err := comp.queue.Stats(ctx)
	if err != nil {
		return err
	}

	counts := map[string]int{}
	for _, s := range combos {
		counts[s.State]++
	}
	out := map[string]interface{}{
		"summary": counts,
		"queue":   stats,
	}
	if m.verbose {
		out["combinations"] = combos
	}
	printJson(m.w, out)
	return nil
}

func runWarm(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	comp := build(m)
	var (
		result scheduler.RefreshResult
		err    error
	)
	if c.Bool("force") {
		result, err = comp.scheduler.ForceRefreshAll(ctx)
	} else {
		result, err = comp.scheduler.ManualRefresh(ctx, models.Dimensions{
			Index:  c.String("index"),
			Sector: c.String("sector"),
		})
	}
	if err != nil {
		return err
	}
	printJson(m.w, result)
	return nil
}

func runClear(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	comp := build(m)
	out := map[string]interface{}{}
	if key := c.String("key"); key != "" {
		if err := comp.store.Clear(ctx, key); err != nil {
			return err
		}
		out["cleared"] = key
	} else {
		n, err := comp.store.ClearAll(ctx)
		if err != nil {
			return err
		}
		out["cleared"] = n
	}

	if c.Bool("tracking") {
		if err := comp.tracker.Clear(ctx); err != nil {
			return err
		}
		out["tracking_cleared"] = true
	}
	printJson(m.w, out)
	return nil
}

func runTracking(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	comp := build(m)
	summary, err := comp.tracker.Summary(ctx)
	if err != nil {
		return err
	}
	calls, err := comp.tracker.RecentAPICalls(ctx, c.Int("limit"))
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"summary":   summary,
		"api_calls": calls,
	}
	if m.verbose {
		entries, err := comp.tracker.Entries(ctx)
		if err != nil {
			return err
		}
		out["entries"] = entries
	}
	printJson(m.w, out)
	return nil
}

func runFetch(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	req := models.FetchRequest{
		DataType: models.DataType(c.String("type")),
		Dimensions: models.Dimensions{
			Index:     c.String("index"),
			Sector:    c.String("sector"),
			ScoreKind: c.String("kind"),
		},
	}
	if _, err := models.CacheKey(req.DataType, req.Dimensions); err != nil {
		return err
	}

	comp := build(m)
	log := logger.New("cli")
	fetcher := datafetcher.NewDataFetcher(comp.store, comp.tracker, ratelimit.New(m.config.CallsPerSecond, log), datafetcher.Config{
		PendingTimeout: m.config.PendingTimeout,
		PendingWait:    m.config.PendingWait,
		TTL:            m.config.TTL,
	}, log)
	registerHTTPSources(fetcher, m, log)
	fetcher.Register(models.DataTypeSectorAverages, datafetcher.NewSectorAverageSource(comp.store))

	result := fetcher.Fetch(ctx, req)
	if !c.Bool("rows") {
		result.Data = nil
	}
	printJson(m.w, result)
	if !result.Success {
		return fmt.Errorf("fetch failed: %s", result.Error)
	}
	return nil
}

func registerHTTPSources(f *datafetcher.DataFetcher, m *metadata, log *logger.L) {
	source := func(dataType models.DataType, name, baseURL, endpoint string) {
		if baseURL == "" {
			return
		}
		f.Register(dataType, datafetcher.NewHTTPSource(datafetcher.HTTPSourceConfig{
			Name:     name,
			BaseURL:  baseURL,
			Endpoint: endpoint,
			APIKey:   m.config.SourceAPIKey,
			Timeout:  m.config.SourceTimeout,
			MaxBody:  m.config.SourceMaxBody,
		}, log))
	}
	for _, sc := range m.config.ScreenerSources {
		source(models.DataTypeScreenerRows, sc.Name, sc.BaseURL, sc.Endpoint)
	}
	rs := m.config.ReturnsSource
	source(models.DataTypeTimeSeriesReturns, rs.Name, rs.BaseURL, rs.Endpoint)
	ss := m.config.ScoreSource
	source(models.DataTypeDerivedScore, ss.Name, ss.BaseURL, ss.Endpoint)
}

func runHashKey(c *cli.Context) error {
	key := c.Args().First()
	if key == "" {
		return fmt.Errorf("missing KEY argument")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("error generating hash: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Hash: %s\n", hash)
	fmt.Fprintf(c.App.Writer, "\nSet it in the service environment:\n")
	fmt.Fprintf(c.App.Writer, "OPS_API_KEY_HASH='%s'\n", hash)
	return nil
}

func runToken(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	token, err := middleware.IssueOperatorToken(c.String("subject"), m.config.JWTSecret, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintf(m.w, "%s\n", token)
	return nil
}
