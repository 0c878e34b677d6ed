package extract

import "strings"

// Markers that only appear on anti-automation interstitials.
var strongChallengeMarkers = []string{
	"cf-browser-verification",
	"cf_chl_opt",
	"/cdn-cgi/challenge-platform/",
	"captcha-delivery.com",
	"_incapsula_resource",
	"sign in to confirm you’re not a bot",
	"sign in to confirm you're not a bot",
}

// Phrases that interstitials use but that could appear in a real article,
// so they only count on short pages.
var weakChallengeMarkers = []string{
	"just a moment...",
	"enable javascript and cookies to continue",
	"checking your browser before accessing",
	"attention required! | cloudflare",
	"please verify you are a human",
	"verify you are human",
}

const challengeMaxChars = 4000

// IsBotChallenge reports whether content looks like a bot-challenge page
// rather than the document the user asked for.
func IsBotChallenge(content string) bool {
	lower := strings.ToLower(content)
	for _, m := range strongChallengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	if len(strings.TrimSpace(lower)) > challengeMaxChars {
		return false
	}
	for _, m := range weakChallengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
