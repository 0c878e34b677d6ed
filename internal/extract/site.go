package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
)

var (
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	spacesRe     = regexp.MustCompile(`[ \t]+`)
)

// SiteExtractor fetches a web page and converts its body to markdown text.
type SiteExtractor struct {
	fetch *fetcher
	log   *zap.Logger
}

func (e *SiteExtractor) fail(rawURL, reason string, err error) error {
	return &models.ExtractionError{Source: models.SourceSite, Handle: rawURL, Reason: reason, Err: err}
}

// Extract returns the readable text of rawURL.
func (e *SiteExtractor) Extract(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", e.fail(rawURL, "invalid URL", err)
	}

	body, status, err := e.fetch.get(ctx, u.String())
	if err != nil {
		return "", e.fail(rawURL, "fetch failed", err)
	}

	if IsBotChallenge(string(body)) {
		e.log.Warn("bot challenge page detected", zap.String("url", rawURL), zap.Int("status", status))
		return "", &models.ExtractionError{
			Source:    models.SourceSite,
			Handle:    rawURL,
			Reason:    "page is a bot-challenge placeholder; retry or upload the content as a file",
			Challenge: true,
		}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return "", e.fail(rawURL, fmt.Sprintf("HTTP status %d", status), nil)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", e.fail(rawURL, "parsing HTML", err)
	}
	doc.Find("script, style, noscript, template, svg, iframe").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	content := doc.Find("body")
	if content.Length() == 0 {
		content = doc.Selection
	}

	text := htmlToMarkdown(u, content)
	if text == "" {
		text = normalizeText(content.Text())
	}
	if text == "" {
		return "", e.fail(rawURL, "page has no readable text", nil)
	}
	if IsBotChallenge(text) {
		return "", &models.ExtractionError{
			Source:    models.SourceSite,
			Handle:    rawURL,
			Reason:    "page is a bot-challenge placeholder; retry or upload the content as a file",
			Challenge: true,
		}
	}

	if title != "" && !strings.HasPrefix(text, "# "+title) {
		text = "# " + title + "\n\n" + text
	}
	e.log.Debug("site extracted", zap.String("url", rawURL), zap.Int("chars", len(text)))
	return text, nil
}

func htmlToMarkdown(base *url.URL, sel *goquery.Selection) string {
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return ""
	}
	converter := md.NewConverter(base.Scheme+"://"+base.Host, true, nil)
	converted, err := converter.ConvertString(html)
	if err != nil {
		return ""
	}
	return normalizeText(converted)
}

// normalizeText collapses runs of spaces and blank lines.
func normalizeText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacesRe.ReplaceAllString(line, " "))
	}
	out := strings.Join(lines, "\n")
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
