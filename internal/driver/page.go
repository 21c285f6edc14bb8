package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// QueryMode selects how a Query locates elements.
type QueryMode string

const (
	QueryCSS   QueryMode = "css"
	QueryXPath QueryMode = "xpath"
	QueryText  QueryMode = "text"
)

// Query is the compiled form of a locator spec. The script layer
// compiles user locators into exactly this shape so the mapping to
// the driver stays auditable in one place.
type Query struct {
	Mode  QueryMode
	Value string
	Nth   int
}

func (q Query) String() string {
	if q.Nth > 0 {
		return fmt.Sprintf("%s:%s[%d]", q.Mode, q.Value, q.Nth)
	}
	return fmt.Sprintf("%s:%s", q.Mode, q.Value)
}

// PageInfo is a snapshot of the page identity.
type PageInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Cookie is the subset of cookie state the core exposes.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

func (h *Handle) pageCtx(ctx context.Context, timeout time.Duration) *rod.Page {
	p := h.page.Context(ctx)
	if timeout > 0 {
		p = p.Timeout(timeout)
	}
	return p
}

func (h *Handle) find(ctx context.Context, q Query, timeout time.Duration) (*rod.Element, error) {
	p := h.pageCtx(ctx, timeout)

	if q.Nth > 0 && q.Mode == QueryCSS {
		els, err := p.Elements(q.Value)
		if err != nil {
			return nil, err
		}
		if q.Nth >= len(els) {
			return nil, fmt.Errorf("cannot find element: nth %d of %d matches for %s", q.Nth, len(els), q.Value)
		}
		return els[q.Nth], nil
	}

	switch q.Mode {
	case QueryXPath:
		return p.ElementX(q.Value)
	case QueryText:
		return p.ElementR("*", regexp.QuoteMeta(q.Value))
	default:
		return p.Element(q.Value)
	}
}

// Navigate loads a URL and waits for the requested lifecycle event
// ("domcontentloaded" or "networkidle").
func (h *Handle) Navigate(ctx context.Context, url, waitCond string, timeout time.Duration) error {
	p := h.pageCtx(ctx, timeout)

	event := proto.PageLifecycleEventNameDOMContentLoaded
	if waitCond == "networkidle" {
		event = proto.PageLifecycleEventNameNetworkIdle
	}
	wait := p.WaitNavigation(event)

	if err := p.Navigate(url); err != nil {
		return classify("navigate", err)
	}
	wait()
	if err := ctx.Err(); err != nil {
		return classify("navigate", err)
	}
	return nil
}

// CurrentURL returns the page's current URL.
func (h *Handle) CurrentURL(ctx context.Context) (string, error) {
	info, err := h.page.Context(ctx).Info()
	if err != nil {
		return "", classify("page_info", err)
	}
	return info.URL, nil
}

// Info returns URL and title.
func (h *Handle) Info(ctx context.Context) (PageInfo, error) {
	info, err := h.page.Context(ctx).Info()
	if err != nil {
		return PageInfo{}, classify("page_info", err)
	}
	return PageInfo{URL: info.URL, Title: info.Title}, nil
}

// Click finds the element and clicks it.
func (h *Handle) Click(ctx context.Context, q Query, timeout time.Duration) error {
	el, err := h.find(ctx, q, timeout)
	if err != nil {
		return classify("click", err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classify("click", err)
	}
	return nil
}

// ClickAt clicks page coordinates. Used when vision returns only a
// location.
func (h *Handle) ClickAt(ctx context.Context, x, y float64) error {
	p := h.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return classify("click_at", err)
	}
	if err := p.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classify("click_at", err)
	}
	return nil
}

// Fill replaces the element's content with text.
func (h *Handle) Fill(ctx context.Context, q Query, text string, timeout time.Duration) error {
	el, err := h.find(ctx, q, timeout)
	if err != nil {
		return classify("fill", err)
	}
	if err := el.SelectAllText(); err != nil {
		return classify("fill", err)
	}
	if err := el.Input(text); err != nil {
		return classify("fill", err)
	}
	return nil
}

// keyTable maps step key names to CDP keys.
var keyTable = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"home":       input.Home,
	"end":        input.End,
	"space":      input.Space,
}

// Press sends a key press to the page.
func (h *Handle) Press(ctx context.Context, key string) error {
	k, ok := keyTable[strings.ToLower(key)]
	if !ok {
		if len(key) == 1 {
			k = input.Key(key[0])
		} else {
			return opErr("press", KindEvaluationFailed, fmt.Errorf("unknown key %q", key))
		}
	}
	if err := h.page.Context(ctx).Keyboard.Press(k); err != nil {
		return classify("press", err)
	}
	return nil
}

// Hover moves the pointer over the element.
func (h *Handle) Hover(ctx context.Context, q Query, timeout time.Duration) error {
	el, err := h.find(ctx, q, timeout)
	if err != nil {
		return classify("hover", err)
	}
	if err := el.Hover(); err != nil {
		return classify("hover", err)
	}
	return nil
}

// SelectOption selects an option by visible text.
func (h *Handle) SelectOption(ctx context.Context, q Query, value string, timeout time.Duration) error {
	el, err := h.find(ctx, q, timeout)
	if err != nil {
		return classify("select", err)
	}
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
		return classify("select", err)
	}
	return nil
}

// Scroll scrolls the page by the given offsets.
func (h *Handle) Scroll(ctx context.Context, dx, dy float64) error {
	if err := h.page.Context(ctx).Mouse.Scroll(dx, dy, 1); err != nil {
		return classify("scroll", err)
	}
	return nil
}

// WaitForSelector blocks until the selector resolves or the timeout
// expires.
func (h *Handle) WaitForSelector(ctx context.Context, q Query, timeout time.Duration) error {
	if _, err := h.find(ctx, q, timeout); err != nil {
		return classify("wait_for_selector", err)
	}
	return nil
}

// SelectorCount returns how many elements match a CSS selector.
// Used by escalation tier 1: count>0 is a 0.95-confidence hit.
func (h *Handle) SelectorCount(ctx context.Context, selector string) (int, error) {
	els, err := h.page.Context(ctx).Elements(selector)
	if err != nil {
		return 0, classify("selector_count", err)
	}
	return len(els), nil
}

// Screenshot captures the page (optionally full-page).
func (h *Handle) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	data, err := h.page.Context(ctx).Screenshot(fullPage, nil)
	if err != nil {
		return nil, classify("screenshot", err)
	}
	return data, nil
}

// ElementScreenshot captures just the matched element.
func (h *Handle) ElementScreenshot(ctx context.Context, q Query, timeout time.Duration) ([]byte, error) {
	el, err := h.find(ctx, q, timeout)
	if err != nil {
		return nil, classify("screenshot", err)
	}
	data, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return nil, classify("screenshot", err)
	}
	return data, nil
}

// Evaluate runs a script in the page and returns its JSON-serialized
// result.
func (h *Handle) Evaluate(ctx context.Context, js string) ([]byte, error) {
	res, err := h.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil {
		return nil, opErr("evaluate", KindEvaluationFailed, err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, opErr("evaluate", KindEvaluationFailed, err)
	}
	return raw, nil
}

// EvalBool runs a script expected to return a boolean.
func (h *Handle) EvalBool(ctx context.Context, js string) (bool, error) {
	res, err := h.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil {
		return false, opErr("evaluate", KindEvaluationFailed, err)
	}
	return res.Value.Bool(), nil
}

// ElementText returns the text content of the matched element.
func (h *Handle) ElementText(ctx context.Context, q Query, timeout time.Duration) (string, error) {
	el, err := h.find(ctx, q, timeout)
	if err != nil {
		return "", classify("extract", err)
	}
	text, err := el.Text()
	if err != nil {
		return "", classify("extract", err)
	}
	return text, nil
}

// CookiesForDomains returns cookies whose domain matches any of the
// given domains. Empty domains returns everything.
func (h *Handle) CookiesForDomains(ctx context.Context, domains []string) ([]Cookie, error) {
	res, err := proto.NetworkGetCookies{}.Call(h.page.Context(ctx))
	if err != nil {
		return nil, classify("cookies", err)
	}
	var out []Cookie
	for _, c := range res.Cookies {
		if len(domains) > 0 && !domainMatches(c.Domain, domains) {
			continue
		}
		out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out, nil
}

func domainMatches(cookieDomain string, domains []string) bool {
	cd := strings.TrimPrefix(cookieDomain, ".")
	for _, d := range domains {
		d = strings.TrimPrefix(d, ".")
		if cd == d || strings.HasSuffix(cd, "."+d) || strings.HasSuffix(d, "."+cd) {
			return true
		}
	}
	return false
}

// LocalStorageKeys lists the page origin's localStorage keys.
func (h *Handle) LocalStorageKeys(ctx context.Context) ([]string, error) {
	res, err := h.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => {
			try { return Object.keys(localStorage); } catch (e) { return []; }
		}`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil {
		return nil, opErr("local_storage", KindEvaluationFailed, err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, opErr("local_storage", KindEvaluationFailed, err)
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, opErr("local_storage", KindEvaluationFailed, err)
	}
	return keys, nil
}

// OnFrameNavigated subscribes to frame navigations for the page. The
// subscription ends when ctx is canceled.
func (h *Handle) OnFrameNavigated(ctx context.Context, fn func(url string)) {
	go h.page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		fn(ev.Frame.URL)
	})()
}
