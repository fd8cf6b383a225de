package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"listing-scraper/config"
	"listing-scraper/models"
	"listing-scraper/scraper/extract"
	"listing-scraper/utils"
)

// Coordinate sources reported in CoordinateResult.Source.
const (
	SourceIntercept = "intercept"
	SourceDOM       = "dom"
)

// DefaultDOMSelector finds map widgets that carry coordinates.
const DefaultDOMSelector = "[data-lat], .property-map iframe, a.property-map__link, iframe[src*='maps']"

var errNoCoordinates = errors.New("fetcher: no coordinates in DOM")

// CoordinateResult is a geocode and the strategy that found it.
type CoordinateResult struct {
	Lat    float64 `json:"lat"`
	Long   float64 `json:"long"`
	Source string  `json:"source"`
}

// Result is everything one page load produced. Coordinates is nil when no
// strategy found them; Err is set when the page itself could not be loaded.
type Result struct {
	URL         string            `json:"url"`
	Coordinates *CoordinateResult `json:"coordinates"`
	HTML        string            `json:"-"`
	FetchedAt   time.Time         `json:"fetchedAt"`
	Err         error             `json:"-"`
}

// Fetcher drives one headless browser; each Fetch runs in its own tab.
type Fetcher struct {
	cfg         config.BrowserConfig
	policy      BlockPolicy
	domSelector string
	logger      logrus.FieldLogger
	retry       *utils.RetryConfig

	allocCtx      context.Context
	cancelAlloc   context.CancelFunc
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
}

// New creates a Fetcher. Call Start before Fetch.
func New(cfg config.BrowserConfig, logger logrus.FieldLogger) *Fetcher {
	attempts := cfg.NavAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Fetcher{
		cfg:         cfg,
		policy:      DefaultBlockPolicy(),
		domSelector: DefaultDOMSelector,
		logger:      logger,
		retry: &utils.RetryConfig{
			MaxAttempts: attempts,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
		},
	}
}

// Start launches the browser process.
func (f *Fetcher) Start(ctx context.Context) error {
	chromeBin := f.cfg.ChromeBin
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	f.logger.Infof("[fetcher] Using browser binary: %q", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	f.allocCtx, f.cancelAlloc = chromedp.NewExecAllocator(ctx, opts...)
	f.browserCtx, f.cancelBrowser = chromedp.NewContext(f.allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	if err := chromedp.Run(f.browserCtx); err != nil {
		f.Close()
		return fmt.Errorf("fetcher: start browser: %w", err)
	}
	return nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	if f.cancelBrowser != nil {
		f.cancelBrowser()
	}
	if f.cancelAlloc != nil {
		f.cancelAlloc()
	}
}

// Fetch loads url and returns its content plus a coordinate result. It never
// returns an error: navigation failures are logged and reported through
// Result.Err with nil coordinates, since a missing geocode is handled later
// by failed-job tracking.
func (f *Fetcher) Fetch(ctx context.Context, url string) *Result {
	res := &Result{URL: url, FetchedAt: time.Now()}
	log := f.logger.WithField("url", url)

	if f.browserCtx == nil {
		res.Err = errors.New("fetcher: browser not started")
		log.Error("[fetcher] Fetch called before Start")
		return res
	}

	tabCtx, cancelTab := chromedp.NewContext(f.browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, f.cfg.NavTimeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	hits := make(chan models.Coordinates, 1)
	f.listen(tabCtx, hits, log)

	actions := []chromedp.Action{network.Enable()}
	if f.cfg.BlockResources {
		actions = append(actions, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		}))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		res.Err = fmt.Errorf("fetcher: enable domains: %w", err)
		log.WithError(err).Warn("[fetcher] Could not prepare tab")
		return res
	}

	err := f.retry.Do(tabCtx, "navigate", func() error {
		return chromedp.Run(tabCtx, chromedp.Navigate(url))
	})
	if err != nil {
		res.Err = fmt.Errorf("fetcher: navigate: %w", err)
		log.WithError(err).Warn("[fetcher] Navigation failed, returning without coordinates")
		f.writeDebug(tabCtx, res, log)
		return res
	}

	res.Coordinates = f.raceCoordinates(tabCtx, hits, log)

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		res.Err = fmt.Errorf("fetcher: capture html: %w", err)
		log.WithError(err).Warn("[fetcher] Could not capture page HTML")
	}
	res.HTML = html

	f.writeDebug(tabCtx, res, log)
	return res
}

// raceCoordinates waits for whichever strategy resolves first: a map request
// seen on the wire or a map widget found in the DOM.
func (f *Fetcher) raceCoordinates(tabCtx context.Context, hits <-chan models.Coordinates, log logrus.FieldLogger) *CoordinateResult {
	ctx, cancel := context.WithTimeout(tabCtx, f.cfg.CoordTimeout)
	defer cancel()

	intercept := func(ctx context.Context) (*CoordinateResult, error) {
		select {
		case c := <-hits:
			return &CoordinateResult{Lat: c.Lat, Long: c.Long, Source: SourceIntercept}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	dom := func(ctx context.Context) (*CoordinateResult, error) {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			var html string
			if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err == nil {
				if c, ok := f.coordinatesInHTML(html); ok {
					return &CoordinateResult{Lat: c.Lat, Long: c.Long, Source: SourceDOM}, nil
				}
			}
			select {
			case <-ctx.Done():
				return nil, errors.Join(errNoCoordinates, ctx.Err())
			case <-ticker.C:
			}
		}
	}

	coords, _, err := utils.FirstSuccess[*CoordinateResult](ctx, intercept, dom)
	if err != nil {
		log.WithError(err).Info("[fetcher] No coordinates found")
		return nil
	}
	log.WithField("source", coords.Source).Debugf("[fetcher] Coordinates %.6f,%.6f", coords.Lat, coords.Long)
	return coords
}

func (f *Fetcher) coordinatesInHTML(html string) (*models.Coordinates, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false
	}
	v, err := extract.CoordinatesFromDOM(doc.Selection, f.domSelector, nil)
	if err != nil {
		return nil, false
	}
	c, ok := v.Typed.(models.Coordinates)
	return &c, ok
}

// listen installs the request blocker and the map-request interceptor on the
// tab. Handlers must not block the event loop, so CDP calls run in
// goroutines and hits are offered without waiting.
func (f *Fetcher) listen(tabCtx context.Context, hits chan<- models.Coordinates, log logrus.FieldLogger) {
	var (
		mu      sync.Mutex
		pending = make(map[network.RequestID]struct{})
	)
	offer := func(c *models.Coordinates) {
		select {
		case hits <- *c:
		default:
		}
	}
	executor := func() context.Context {
		return cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target)
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *fetch.EventRequestPaused:
			if c, ok := CoordinatesFromRequest(ev.Request.URL); ok {
				offer(c)
			}
			blocked := f.policy.ShouldBlock(ev.ResourceType, ev.Request.URL)
			go func() {
				ctx := executor()
				var err error
				if blocked {
					err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
				} else {
					err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
				}
				if err != nil && tabCtx.Err() == nil {
					log.WithError(err).Debug("[fetcher] Could not resolve paused request")
				}
			}()

		case *network.EventRequestWillBeSent:
			if c, ok := CoordinatesFromRequest(ev.Request.URL); ok {
				offer(c)
			}

		case *network.EventResponseReceived:
			if IsGeoURL(ev.Response.URL) && ev.Type != network.ResourceTypeImage {
				mu.Lock()
				pending[ev.RequestID] = struct{}{}
				mu.Unlock()
			}

		case *network.EventLoadingFinished:
			mu.Lock()
			_, want := pending[ev.RequestID]
			delete(pending, ev.RequestID)
			mu.Unlock()
			if !want {
				return
			}
			go func() {
				body, err := network.GetResponseBody(ev.RequestID).Do(executor())
				if err != nil {
					return
				}
				if c, ok := CoordinatesFromBody(body); ok {
					offer(c)
				}
			}()
		}
	})
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
