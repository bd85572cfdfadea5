package fetch

import (
	"math/rand/v2"
	"net/url"
)

// userAgents is the rotation pool. All entries are current desktop browser
// strings; mobile agents draw extra scrutiny from anti-bot vendors.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
}

// headerBundle is a coherent set of client-hint and fetch-metadata headers.
// Mixing values from different browsers is itself a detection signal, so a
// bundle is always applied as a unit.
type headerBundle map[string]string

var enhancedBundles = []headerBundle{
	{
		"Sec-Ch-Ua":                 `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		"Sec-Ch-Ua-Mobile":          "?0",
		"Sec-Ch-Ua-Platform":        `"Windows"`,
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Upgrade-Insecure-Requests": "1",
		"Accept-Language":           "en-US,en;q=0.9",
		"Accept-Encoding":           "gzip, deflate, br",
	},
	{
		"Sec-Ch-Ua":                 `"Chromium";v="125", "Not.A/Brand";v="24"`,
		"Sec-Ch-Ua-Mobile":          "?0",
		"Sec-Ch-Ua-Platform":        `"macOS"`,
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "same-origin",
		"Sec-Fetch-User":            "?1",
		"Upgrade-Insecure-Requests": "1",
		"Accept-Language":           "en-GB,en-US;q=0.9,en;q=0.8",
		"Accept-Encoding":           "gzip, deflate, br",
	},
	{
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "cross-site",
		"Upgrade-Insecure-Requests": "1",
		"Accept-Language":           "en-US,en;q=0.8",
		"Accept-Encoding":           "gzip, deflate, br",
		"DNT":                       "1",
	},
}

var standardHeaders = headerBundle{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
	"Accept-Encoding": "gzip, deflate",
	"Connection":      "keep-alive",
}

var searchEngineReferers = []string{
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://duckduckgo.com/",
}

// randomUserAgent picks one UA string from the pool.
func randomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// synthesizeHeaders builds the header set for one attempt against target.
func synthesizeHeaders(target *url.URL, enhanced bool) map[string]string {
	headers := map[string]string{
		"User-Agent": randomUserAgent(),
	}
	for k, v := range standardHeaders {
		headers[k] = v
	}

	origin := target.Scheme + "://" + target.Host

	if !enhanced {
		headers["Referer"] = origin
		return headers
	}

	bundle := enhancedBundles[rand.IntN(len(enhancedBundles))]
	for k, v := range bundle {
		headers[k] = v
	}

	switch rand.IntN(3) {
	case 0:
		headers["Referer"] = origin
	case 1:
		headers["Referer"] = searchEngineReferers[rand.IntN(len(searchEngineReferers))]
	default:
		headers["Referer"] = origin + "/sitemap"
	}

	return headers
}
