package export

import (
	"context"
	"fmt"
	"html"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfTimeout = 30 * time.Second

// A4 in inches, as PrintToPDF expects.
const (
	a4Width  = 8.27
	a4Height = 11.69
)

var chromeCandidates = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

// findChrome returns the configured binary or the first candidate on PATH.
func findChrome(configured string) (string, error) {
	if configured != "" {
		if _, err := exec.LookPath(configured); err != nil {
			return "", fmt.Errorf("%w: %s", ErrPDFDependencyMissing, configured)
		}
		return configured, nil
	}
	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
}

// renderPDF loads the report into a blank headless Chrome tab and prints
// it to A4 with a page counter in the footer.
func renderPDF(ctx context.Context, chromePath, report string) ([]byte, error) {
	execPath, err := findChrome(chromePath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, pdfTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var pdfData []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return fmt.Errorf("frame tree: %w", err)
			}
			return page.SetDocumentContent(tree.Frame.ID, report).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPaperWidth(a4Width).
				WithPaperHeight(a4Height).
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<span></span>`).
				WithFooterTemplate(footerTemplate).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	return pdfData, nil
}

var footerTemplate = `<div style="font-size:8px;width:100%;text-align:center;color:#666">` +
	html.EscapeString("mediawatch") + ` &middot; <span class="pageNumber"></span>/<span class="totalPages"></span></div>`

var accentFold = strings.NewReplacer(
	"à", "a", "â", "a", "ä", "a", "á", "a",
	"ç", "c",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"î", "i", "ï", "i", "í", "i",
	"ô", "o", "ö", "o", "ó", "o",
	"ù", "u", "û", "u", "ü", "u", "ú", "u",
	"ÿ", "y", "ñ", "n", "œ", "oe", "æ", "ae",
)

// filenameSlug turns an article title into a lowercase ASCII slug of at
// most 50 characters. Runs of anything else collapse into one dash.
func filenameSlug(title string) string {
	folded := accentFold.Replace(strings.ToLower(title))
	var b strings.Builder
	dash := false
	for _, r := range folded {
		if r > 127 || !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			dash = b.Len() > 0
			continue
		}
		if dash {
			b.WriteByte('-')
			dash = false
		}
		b.WriteRune(r)
		if b.Len() >= 50 {
			break
		}
	}
	result := strings.TrimRight(b.String(), "-")
	if result == "" {
		return "article"
	}
	return result
}
