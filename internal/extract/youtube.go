package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
)

const defaultYoutubeBase = "https://www.youtube.com"

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

// YoutubeExtractor loads the caption transcript of a video.
type YoutubeExtractor struct {
	fetch     *fetcher
	baseURL   string
	languages []string
	log       *zap.Logger
}

func (e *YoutubeExtractor) fail(handle, reason string, err error) error {
	return &models.ExtractionError{Source: models.SourceYoutube, Handle: handle, Reason: reason, Err: err}
}

// Extract returns the transcript of the video referenced by handle, which may
// be a watch URL, a short youtu.be link, or a bare video id.
func (e *YoutubeExtractor) Extract(ctx context.Context, handle string) (string, error) {
	id, err := VideoID(handle)
	if err != nil {
		return "", e.fail(handle, "not a YouTube video reference", err)
	}

	watchURL := fmt.Sprintf("%s/watch?v=%s&hl=en", e.baseURL, id)
	page, status, err := e.fetch.get(ctx, watchURL)
	if err != nil {
		return "", e.fail(handle, "fetching watch page", err)
	}

	tracks, err := parseCaptionTracks(page)
	if err != nil {
		if IsBotChallenge(string(page)) {
			return "", &models.ExtractionError{
				Source:    models.SourceYoutube,
				Handle:    handle,
				Reason:    "YouTube answered with a bot check; retry later",
				Challenge: true,
			}
		}
		if status != http.StatusOK {
			return "", e.fail(handle, fmt.Sprintf("HTTP status %d", status), nil)
		}
		return "", e.fail(handle, "video has no captions", err)
	}

	track := pickTrack(tracks, e.languages)
	trackURL, err := e.resolve(track.BaseURL)
	if err != nil {
		return "", e.fail(handle, "invalid caption URL", err)
	}

	body, status, err := e.fetch.get(ctx, trackURL)
	if err != nil {
		return "", e.fail(handle, "fetching captions", err)
	}
	if status != http.StatusOK {
		return "", e.fail(handle, fmt.Sprintf("captions HTTP status %d", status), nil)
	}

	text, err := parseTimedText(body)
	if err != nil {
		return "", e.fail(handle, "parsing captions", err)
	}
	if text == "" {
		return "", e.fail(handle, "captions are empty", nil)
	}

	e.log.Debug("transcript extracted",
		zap.String("video", id),
		zap.String("language", track.LanguageCode),
		zap.Int("chars", len(text)))
	return text, nil
}

func (e *YoutubeExtractor) resolve(ref string) (string, error) {
	base, err := url.Parse(e.baseURL)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(r).String(), nil
}

// VideoID extracts the 11-character video id from a YouTube reference.
func VideoID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if videoIDRe.MatchString(ref) {
		return ref, nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		if v := u.Query().Get("v"); v != "" {
			id = v
			break
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 && (parts[0] == "shorts" || parts[0] == "embed" || parts[0] == "live" || parts[0] == "v") {
			id = parts[1]
		}
	}

	if !videoIDRe.MatchString(id) {
		return "", fmt.Errorf("no video id in %q", ref)
	}
	return id, nil
}

// parseCaptionTracks finds the captionTracks array embedded in the watch page.
func parseCaptionTracks(page []byte) ([]captionTrack, error) {
	const key = `"captionTracks":`
	idx := bytes.Index(page, []byte(key))
	if idx < 0 {
		return nil, errors.New("captionTracks not found")
	}

	var tracks []captionTrack
	dec := json.NewDecoder(bytes.NewReader(page[idx+len(key):]))
	if err := dec.Decode(&tracks); err != nil {
		return nil, fmt.Errorf("decoding captionTracks: %w", err)
	}
	if len(tracks) == 0 {
		return nil, errors.New("captionTracks is empty")
	}
	return tracks, nil
}

// pickTrack prefers manual captions in the first matching language, then
// auto-generated captions in that language, then the first track.
func pickTrack(tracks []captionTrack, languages []string) captionTrack {
	matches := func(t captionTrack, lang string) bool {
		code := strings.ToLower(t.LanguageCode)
		lang = strings.ToLower(lang)
		return code == lang || strings.HasPrefix(code, lang+"-")
	}
	for _, lang := range languages {
		for _, t := range tracks {
			if matches(t, lang) && t.Kind != "asr" {
				return t
			}
		}
		for _, t := range tracks {
			if matches(t, lang) {
				return t
			}
		}
	}
	return tracks[0]
}

// parseTimedText flattens the timedtext XML formats (<text> or <p> cues)
// into one line per cue.
func parseTimedText(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var (
		lines []string
		cur   strings.Builder
		depth int
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" || t.Name.Local == "p" {
				depth++
			}
		case xml.EndElement:
			if (t.Name.Local == "text" || t.Name.Local == "p") && depth > 0 {
				depth--
				if depth == 0 {
					line := strings.Join(strings.Fields(html.UnescapeString(cur.String())), " ")
					if line != "" {
						lines = append(lines, line)
					}
					cur.Reset()
				}
			}
		case xml.CharData:
			if depth > 0 {
				cur.Write(t)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}
