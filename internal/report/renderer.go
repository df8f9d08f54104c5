// Package report renders the flood-map report for a finished
// simulation. The map viewer is a JS application, so rendering uses a
// real browser (via rod) to load the viewer for the job and capture a
// screenshot of the fully drawn map.
package report

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"floodtwin/internal/model"
)

// Renderer captures a PNG report for a job from the map viewer.
type Renderer struct {
	BrowserURL    string
	ViewerBaseURL string
	FullPage      bool
	OutputDir     string
}

func NewRenderer(browserURL, viewerBaseURL string, fullPage bool, outputDir string) *Renderer {
	return &Renderer{
		BrowserURL:    browserURL,
		ViewerBaseURL: viewerBaseURL,
		FullPage:      fullPage,
		OutputDir:     outputDir,
	}
}

// Render loads the viewer page for the job, waits for it to finish
// drawing, and writes the screenshot under OutputDir. Returns the path
// of the written report.
func (r *Renderer) Render(ctx context.Context, jobID string, timeout time.Duration) (string, error) {
	u, err := url.Parse(r.ViewerBaseURL)
	if err != nil {
		return "", model.NewFatal(model.StageRender, fmt.Errorf("viewer url: %w", err))
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	q := u.Query()
	q.Set("job", jobID)
	u.RawQuery = q.Encode()

	// Prepare browser with context and timeout
	browser := rod.New().Context(ctx).Timeout(timeout)
	if r.BrowserURL != "" {
		browser = browser.ControlURL(r.BrowserURL)
	}

	if err := browser.Connect(); err != nil {
		return "", model.NewTransient(model.StageRender, fmt.Errorf("connect browser: %w", err))
	}
	defer browser.MustClose()

	page, err := browser.Page(proto.TargetCreateTarget{URL: u.String()})
	if err != nil {
		return "", model.NewTransient(model.StageRender, fmt.Errorf("open viewer page: %w", err))
	}
	defer page.MustClose()

	if err := page.WaitLoad(); err != nil {
		return "", model.NewTransient(model.StageRender, fmt.Errorf("load viewer: %w", err))
	}

	// Give the viewer a chance to finish tiling the flood layer.
	if err := page.WaitIdle(timeout); err != nil {
		return "", model.NewTransient(model.StageRender, fmt.Errorf("viewer idle: %w", err))
	}

	shot, err := page.Screenshot(r.FullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", model.NewTransient(model.StageRender, fmt.Errorf("capture report: %w", err))
	}

	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return "", model.NewFatal(model.StageRender, fmt.Errorf("report dir: %w", err))
	}

	path := filepath.Join(r.OutputDir, jobID+".png")
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		return "", model.NewFatal(model.StageRender, fmt.Errorf("write report: %w", err))
	}
	return path, nil
}
