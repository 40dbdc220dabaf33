package render

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// Resource types that are never needed to lay out a document. Anything
// inlined as a data: URL is not intercepted.
var blockedResourceTypes = []network.ResourceType{
	network.ResourceTypeImage,
	network.ResourceTypeFont,
	network.ResourceTypeMedia,
	network.ResourceTypeOther,
}

type ChromeOptions struct {
	ExecPath  string
	NoSandbox bool
}

type chromeEngine struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	log           *logrus.Entry
}

// ChromeLauncher starts one headless Chrome process per engine.
func ChromeLauncher(logger *logrus.Logger, opts ChromeOptions) Launcher {
	log := logger.WithField("component", "chrome_engine")

	return func(ctx context.Context) (Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		allocOpts = append(allocOpts, chromedp.DisableGPU)
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		if opts.NoSandbox {
			allocOpts = append(allocOpts, chromedp.NoSandbox)
		}

		// The browser outlives the acquiring request.
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
		browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			cancelBrowser()
			cancelAlloc()
			return nil, fmt.Errorf("start chrome: %w", err)
		}

		log.Debug("Started chrome process")
		return &chromeEngine{
			browserCtx:    browserCtx,
			cancelBrowser: cancelBrowser,
			cancelAlloc:   cancelAlloc,
			log:           log,
		}, nil
	}
}

func (e *chromeEngine) Render(ctx context.Context, markup []byte, format PageFormat) ([]byte, error) {
	tabCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	chromedp.ListenTarget(tabCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			if err := chromedp.Run(tabCtx, fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient)); err != nil {
				e.log.WithError(err).Debug("Failed to block resource request")
			}
		}()
	})

	patterns := make([]*fetch.RequestPattern, 0, len(blockedResourceTypes))
	for _, rt := range blockedResourceTypes {
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: rt,
			RequestStage: fetch.RequestStageRequest,
		})
	}

	var pdf []byte
	err := chromedp.Run(tabCtx,
		fetch.Enable().WithPatterns(patterns),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, string(markup)).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(format.PrintBackground).
				WithPaperWidth(format.WidthInches).
				WithPaperHeight(format.HeightInches).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("render aborted: %w", ctxErr)
		}
		return nil, err
	}
	return pdf, nil
}

func (e *chromeEngine) Close() error {
	err := chromedp.Cancel(e.browserCtx)
	e.cancelBrowser()
	e.cancelAlloc()
	return err
}
