// Package chatpage implements the page heuristics for the hosted chat UI:
// where the input editor lives, how the send control exposes its state
// through CSS classes, where answers and cited sources sit in the DOM, and
// how a fresh conversation is recognised. Everything selector-shaped is
// concentrated here; the batch state machine never sees a CSS class.
package chatpage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/askbatch/internal/driver"
)

const (
	selSendContainer = ".send-button-container"
	selSendButton    = ".send-button"
	selAnswer        = ".segment-assistant"
	selAnswerBody    = ".markdown-container .markdown"
	selSources       = ".sites"
	selSourceLink    = "a.site"
)

// editorSelectors are tried in order; the page's lexical editor sometimes
// renders without its data attribute.
var editorSelectors = []string{
	`.chat-input-editor[data-lexical-editor="true"][contenteditable="true"]`,
	`.chat-input-editor[contenteditable="true"]`,
	`[data-lexical-editor="true"][contenteditable="true"]`,
	`.chat-input-editor`,
}

// newThreadSelectors locate the sidebar new-conversation control.
var newThreadSelectors = []string{
	".sidebar-nav .new-chat-btn",
	"a.new-chat-btn",
	".new-chat-btn",
}

// titleSelectors locate the current conversation's sidebar entry, newest
// first.
var titleSelectors = []string{
	".sidebar-nav .history-part ul li:first-child a",
	".history-part ul li:first-child a.chat-info-item",
	".chat-info-item:first-of-type",
}

const snippetLimit = 200

// ClassifyControl maps the send container's class attribute to a control
// state: disabled+stop means an answer is streaming, disabled alone means
// the control is parked, neither means ready.
func ClassifyControl(classes string) driver.ControlState {
	disabled := strings.Contains(classes, "disabled")
	stop := strings.Contains(classes, "stop")
	switch {
	case disabled && stop:
		return driver.StateGenerating
	case disabled:
		return driver.StateWaiting
	default:
		return driver.StateReady
	}
}

// Page drives one chat tab. It satisfies the batch runner's page surface.
type Page struct {
	page     *rod.Page
	conv     *converter.Converter
	sanitize *bluemonday.Policy
	log      *slog.Logger
}

// New wraps an open chat tab.
func New(p *rod.Page, log *slog.Logger) *Page {
	if log == nil {
		log = slog.Default()
	}
	return &Page{
		page: p,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		sanitize: bluemonday.StrictPolicy(),
		log:      log,
	}
}

// ControlState reads the send control's CSS classes.
func (p *Page) ControlState(ctx context.Context) (driver.ControlState, error) {
	pg := p.page.Context(ctx)
	has, el, err := pg.Has(selSendContainer)
	if err != nil {
		return driver.StateUnknown, fmt.Errorf("chatpage: send control: %w", err)
	}
	if !has {
		return driver.StateUnknown, nil
	}
	classes, err := el.Attribute("class")
	if err != nil || classes == nil {
		return driver.StateUnknown, nil
	}
	return ClassifyControl(*classes), nil
}

// WaitControlChange blocks until the send control's class list mutates,
// resolving early when the page settles instead of waiting out the full
// poll interval. A missing control or the timeout resolves quietly.
func (p *Page) WaitControlChange(ctx context.Context, timeout time.Duration) error {
	pg := p.page.Context(ctx)
	_, err := pg.Eval(`(sel, ms) => new Promise(resolve => {
		const el = document.querySelector(sel);
		if (!el) { resolve(false); return; }
		const obs = new MutationObserver(() => { obs.disconnect(); clearTimeout(t); resolve(true); });
		const t = setTimeout(() => { obs.disconnect(); resolve(false); }, ms);
		obs.observe(el, { attributes: true, attributeFilter: ['class'], subtree: true });
	})`, selSendContainer, timeout.Milliseconds())
	if err != nil {
		return fmt.Errorf("chatpage: wait control change: %w", err)
	}
	return nil
}

// SetInput replaces the editor content with text. Element input first; when
// the lexical editor swallows it, fall back to a scripted write plus a
// synthetic input event.
func (p *Page) SetInput(ctx context.Context, text string) error {
	el, err := p.editor(ctx)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err == nil {
		if err := el.Input(text); err == nil {
			return nil
		}
	}
	_, err = el.Eval(`(text) => {
		this.focus();
		this.textContent = text;
		this.dispatchEvent(new InputEvent('input', { bubbles: true, data: text }));
	}`, text)
	if err != nil {
		return fmt.Errorf("chatpage: set input: %w", err)
	}
	return nil
}

// InputValue returns the editor's current text.
func (p *Page) InputValue(ctx context.Context) (string, error) {
	el, err := p.editor(ctx)
	if err != nil {
		return "", err
	}
	txt, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("chatpage: input value: %w", err)
	}
	return strings.TrimSpace(txt), nil
}

// PressEnter submits the editor content.
func (p *Page) PressEnter(ctx context.Context) error {
	el, err := p.editor(ctx)
	if err != nil {
		return err
	}
	if err := el.Type(input.Enter); err != nil {
		return fmt.Errorf("chatpage: press enter: %w", err)
	}
	return nil
}

// ClickSend clicks the send control directly.
func (p *Page) ClickSend(ctx context.Context) error {
	pg := p.page.Context(ctx)
	has, el, err := pg.Has(selSendButton)
	if err != nil || !has {
		return fmt.Errorf("chatpage: send button not found: %w", err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("chatpage: click send: %w", err)
	}
	return nil
}

// Collect scrapes the newest answer, its cited sources and the conversation
// title. The answer HTML is converted to markdown; source snippets are
// sanitised to plain text and truncated.
func (p *Page) Collect(ctx context.Context) (driver.Answer, error) {
	pg := p.page.Context(ctx)

	answers, err := pg.Elements(selAnswer)
	if err != nil || len(answers) == 0 {
		return driver.Answer{}, fmt.Errorf("chatpage: no answer elements: %w", err)
	}
	last := answers[len(answers)-1]

	var ans driver.Answer
	if has, body, err := last.Has(selAnswerBody); err == nil && has {
		if html, err := body.HTML(); err == nil {
			ans.Text = p.toMarkdown(html)
		}
	}
	if ans.Text == "" {
		// Raw text fallback keeps a partially rendered answer usable.
		if txt, err := last.Text(); err == nil {
			ans.Text = strings.TrimSpace(txt)
		}
	}

	ans.Sources = p.collectSources(last, pg)
	ans.Label = p.conversationTitle(pg)
	return ans, nil
}

func (p *Page) collectSources(answer *rod.Element, pg *rod.Page) []driver.Source {
	container := answer
	if has, el, err := answer.Has(selSources); err == nil && has {
		container = el
	} else if has, el, err := pg.Has(selSources); err == nil && has {
		// Sources sometimes render outside the answer segment.
		container = el
	} else {
		return nil
	}

	links, err := container.Elements(selSourceLink)
	if err != nil {
		return nil
	}
	var out []driver.Source
	for _, link := range links {
		s := driver.Source{
			Title:   childText(link, ".title"),
			Content: p.snippet(link),
			Site:    childText(link, ".name"),
			Time:    childText(link, ".date"),
		}
		if href, err := link.Attribute("href"); err == nil && href != nil {
			s.URL = *href
		}
		if s.Title == "" && s.URL == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (p *Page) snippet(link *rod.Element) string {
	has, el, err := link.Has(".snippet")
	if err != nil || !has {
		return ""
	}
	html, err := el.HTML()
	if err != nil {
		return ""
	}
	return TrimSnippet(p.sanitize.Sanitize(html), snippetLimit)
}

// TrimSnippet collapses whitespace and truncates to max runes with an
// ellipsis marker, matching the stored-snippet shape.
func TrimSnippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

func (p *Page) conversationTitle(pg *rod.Page) string {
	for _, sel := range titleSelectors {
		if has, el, err := pg.Has(sel); err == nil && has {
			if txt, err := el.Text(); err == nil {
				if t := strings.TrimSpace(txt); t != "" {
					return t
				}
			}
		}
	}
	info, err := pg.Info()
	if err == nil && info.Title != "" {
		return info.Title
	}
	return ""
}

// NewThread fires the new-conversation keyboard shortcut.
func (p *Page) NewThread(ctx context.Context) error {
	pg := p.page.Context(ctx)
	err := pg.KeyActions().Press(input.ControlLeft).Type(input.KeyK).Do()
	if err != nil {
		return fmt.Errorf("chatpage: new thread shortcut: %w", err)
	}
	return nil
}

// ClickNewThread clicks the sidebar new-conversation control.
func (p *Page) ClickNewThread(ctx context.Context) error {
	pg := p.page.Context(ctx)
	for _, sel := range newThreadSelectors {
		has, el, err := pg.Has(sel)
		if err != nil || !has {
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			p.log.Debug("chatpage: new thread click failed", "selector", sel, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("chatpage: new thread control not found")
}

// ResetSignals evaluates the four fresh-conversation indicators in one page
// round-trip and returns how many hold.
func (p *Page) ResetSignals(ctx context.Context) (int, error) {
	res, err := p.page.Context(ctx).Eval(`() => {
		let n = 0;
		const path = window.location.pathname;
		if (path === '/' || path === '') n++;
		const welcome = ['.welcome-message', '.chat-welcome', '.empty-chat', '.no-messages', '.chat-placeholder'];
		if (welcome.some(s => document.querySelector(s))) n++;
		const messages = ['.message', '.chat-message', '.segment-user', '.segment-assistant'];
		const count = messages.reduce((acc, s) => acc + document.querySelectorAll(s).length, 0);
		if (count === 0) n++;
		const input = document.querySelector('.chat-input-editor');
		if (!input || !input.textContent || input.textContent.trim() === '') n++;
		return n;
	}`)
	if err != nil {
		return 0, fmt.Errorf("chatpage: reset signals: %w", err)
	}
	return res.Value.Int(), nil
}

func (p *Page) toMarkdown(html string) string {
	md, err := p.conv.ConvertString(html)
	if err != nil {
		p.log.Debug("chatpage: markdown conversion failed", "error", err)
		return ""
	}
	return strings.TrimSpace(md)
}

func (p *Page) editor(ctx context.Context) (*rod.Element, error) {
	pg := p.page.Context(ctx)
	for _, sel := range editorSelectors {
		if has, el, err := pg.Has(sel); err == nil && has {
			return el, nil
		}
	}
	return nil, fmt.Errorf("chatpage: input editor not found")
}

func childText(el *rod.Element, sel string) string {
	has, child, err := el.Has(sel)
	if err != nil || !has {
		return ""
	}
	txt, err := child.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(txt)
}
