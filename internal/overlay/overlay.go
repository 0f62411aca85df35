package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// Evaluator runs JavaScript in a page.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, res any) error
}

// Selector is one CSS selector for a consent banner, tagged by the platform that injects it.
type Selector struct {
	Vendor string
	CSS    string
}

// DefaultSelectors covers the common consent-management platforms, then generic patterns.
var DefaultSelectors = []Selector{
	{"CookieScript", "#cookiescript_injected_wrapper"},
	{"CookieYes", ".cky-consent-container"},
	{"CookieYes", ".cky-overlay"},
	{"OneTrust", "#onetrust-consent-sdk"},
	{"OneTrust", "#onetrust-banner-sdk"},
	{"Cookiebot", "#CybotCookiebotDialog"},
	{"Cookiebot", "#CybotCookiebotDialogBodyUnderlay"},
	{"Usercentrics", "#usercentrics-root"},
	{"Usercentrics", "#usercentrics-cmp-ui"},
	{"Didomi", "#didomi-host"},
	{"Quantcast", ".qc-cmp2-container"},
	{"TrustArc", "#truste-consent-track"},
	{"TrustArc", ".truste_overlay"},
	{"TrustArc", ".truste_box_overlay"},
	{"Sourcepoint", "div[id^='sp_message_container']"},
	{"Osano", ".osano-cm-window"},
	{"Osano", ".cc-window"},
	{"Iubenda", "#iubenda-cs-banner"},
	{"Complianz", "#cmplz-cookiebanner-container"},
	{"Borlabs", "#BorlabsCookieBox"},
	{"Termly", "#termly-code-snippet-support"},
	{"Klaro", ".klaro .cookie-notice"},
	{"CookieNotice", "#cookie-notice"},
	{"CookieLawInfo", "#cookie-law-info-bar"},
	{"Moove", "#moove_gdpr_cookie_info_bar"},
	{"Axeptio", "#axeptio_overlay"},
	{"Generic", "#cookie-banner"},
	{"Generic", ".cookie-banner"},
	{"Generic", "[id*='cookie-consent' i]"},
	{"Generic", "[class*='cookie-consent' i]"},
	{"Generic", "[id*='cookie-banner' i]"},
	{"Generic", "[class*='cookie-banner' i]"},
	{"Generic", "[id*='consent-banner' i]"},
	{"Generic", "[class*='consent-banner' i]"},
	{"Generic", "[id*='gdpr' i]"},
	{"Generic", "[class*='gdpr' i]"},
	{"Generic", "[aria-label*='cookie' i][role='dialog']"},
}

// removeScript removes every match except the document root and body; it evaluates to the count.
const removeScript = `(() => {
	let n = 0;
	document.querySelectorAll(%s).forEach((el) => {
		if (el === document.documentElement || el === document.body) return;
		el.remove();
		n++;
	});
	return n;
})()`

// unlockScrollScript undoes the scroll lock banners put on the root elements.
const unlockScrollScript = `(() => {
	for (const el of [document.documentElement, document.body]) {
		if (el) { el.style.overflow = ''; el.style.position = ''; }
	}
	return true;
})()`

// Report summarises one Suppress run.
type Report struct {
	Attempted int
	Removed   int
	Failed    []string
}

// Suppressor removes consent overlays from a rendered page.
type Suppressor struct {
	log       *slog.Logger
	selectors []Selector
}

// New returns a Suppressor for selectors; nil selects DefaultSelectors.
func New(log *slog.Logger, selectors []Selector) *Suppressor {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if selectors == nil {
		selectors = DefaultSelectors
	}
	return &Suppressor{log: log, selectors: selectors}
}

// Suppress applies every selector independently. Failures are logged and
// collected, never returned: a banner left in place does not fail a capture.
func (s *Suppressor) Suppress(ctx context.Context, page Evaluator) Report {
	var rep Report
	for _, sel := range s.selectors {
		if ctx.Err() != nil {
			break
		}
		rep.Attempted++
		n, err := s.apply(ctx, page, sel.CSS)
		if err != nil {
			rep.Failed = append(rep.Failed, sel.CSS)
			s.log.Debug("overlay selector failed", "vendor", sel.Vendor, "selector", sel.CSS, "err", err)
			continue
		}
		if n > 0 {
			rep.Removed += n
			s.log.Debug("overlay removed", "vendor", sel.Vendor, "selector", sel.CSS, "count", n)
		}
	}
	if rep.Removed > 0 {
		if err := page.Evaluate(ctx, unlockScrollScript, nil); err != nil {
			s.log.Debug("unlock scroll", "err", err)
		}
	}
	return rep
}

func (s *Suppressor) apply(ctx context.Context, page Evaluator, css string) (int, error) {
	quoted, err := json.Marshal(css)
	if err != nil {
		return 0, fmt.Errorf("quote selector: %w", err)
	}
	var n float64
	if err := page.Evaluate(ctx, fmt.Sprintf(removeScript, quoted), &n); err != nil {
		return 0, err
	}
	return int(n), nil
}
