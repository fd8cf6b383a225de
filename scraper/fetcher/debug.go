package fetcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// artifactBase builds a filesystem-safe name for one page's debug files.
func artifactBase(dir, url string, at time.Time) string {
	name := unsafeName.ReplaceAllString(url, "_")
	if len(name) > 120 {
		name = name[len(name)-120:]
	}
	return filepath.Join(dir, at.Format("20060102-150405")+"_"+name)
}

// writeDebug saves a screenshot, the raw HTML and the JSON result next to
// each other. Every step is best-effort and never changes res.
func (f *Fetcher) writeDebug(tabCtx context.Context, res *Result, log logrus.FieldLogger) {
	if !f.cfg.DebugCapture {
		return
	}
	if err := os.MkdirAll(f.cfg.DebugDir, 0o755); err != nil {
		log.WithError(err).Debug("[fetcher] Debug dir unavailable")
		return
	}
	base := artifactBase(f.cfg.DebugDir, res.URL, res.FetchedAt)

	var shot []byte
	if err := chromedp.Run(tabCtx, chromedp.FullScreenshot(&shot, 70)); err == nil {
		writeQuietly(base+".png", shot, log)
	}
	if res.HTML != "" {
		writeQuietly(base+".html", []byte(res.HTML), log)
	}

	payload := struct {
		*Result
		Error string `json:"error,omitempty"`
	}{Result: res}
	if res.Err != nil {
		payload.Error = res.Err.Error()
	}
	if data, err := json.MarshalIndent(payload, "", "  "); err == nil {
		writeQuietly(base+".json", data, log)
	}
}

func writeQuietly(path string, data []byte, log logrus.FieldLogger) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.WithError(err).Debugf("[fetcher] Could not write %s", path)
	}
}
