// Package protection detects the challenge states a navigation can land on:
// captcha interstitials, robot checks, consent banners, and rate limiting.
package protection

import (
	"net/http"
	"regexp"
	"strings"
)

// SignalType identifies the type of challenge detected.
type SignalType string

const (
	SignalNone         SignalType = ""
	SignalCaptcha      SignalType = "captcha"
	SignalRobotCheck   SignalType = "robot_check"
	SignalCookieBanner SignalType = "cookie_banner"
	SignalAccessDenied SignalType = "access_denied"
	SignalRateLimited  SignalType = "rate_limited"
	SignalEmptyContent SignalType = "empty_content"
)

// DetectionResult contains the result of challenge detection.
type DetectionResult struct {
	// Detected is true if any challenge signal was found.
	Detected bool

	// Signal identifies the type of challenge detected.
	Signal SignalType

	// Confidence is a score from 0-100 indicating detection confidence.
	Confidence int

	// Description provides a human-readable explanation.
	Description string
}

// Detector analyzes page content for challenge signals.
type Detector struct {
	// MinContentLength is the minimum expected content length for a real
	// page. Shorter responses may indicate a challenge or error page.
	MinContentLength int
}

// NewDetector creates a detector with default settings.
func NewDetector() *Detector {
	return &Detector{
		MinContentLength: 500,
	}
}

// DetectFromResponse analyzes an HTTP response for challenge signals.
func (d *Detector) DetectFromResponse(statusCode int, headers http.Header, body []byte) DetectionResult {
	if result := d.checkStatusCode(statusCode); result.Detected {
		return result
	}
	return d.checkBodyContent(body)
}

// DetectFromContent analyzes page content directly, for browser navigations
// where no HTTP status is available.
func (d *Detector) DetectFromContent(content string) DetectionResult {
	return d.checkBodyContent([]byte(content))
}

func (d *Detector) checkStatusCode(statusCode int) DetectionResult {
	switch statusCode {
	case http.StatusForbidden:
		return DetectionResult{
			Detected:    true,
			Signal:      SignalAccessDenied,
			Confidence:  90,
			Description: "Access denied (HTTP 403) - site is blocking automated requests",
		}
	case http.StatusServiceUnavailable:
		return DetectionResult{
			Detected:    true,
			Signal:      SignalRobotCheck,
			Confidence:  70,
			Description: "Service unavailable (HTTP 503) - likely an automated-traffic interstitial",
		}
	case http.StatusTooManyRequests:
		return DetectionResult{
			Detected:    true,
			Signal:      SignalRateLimited,
			Confidence:  95,
			Description: "Rate limited (HTTP 429) - too many requests",
		}
	}
	return DetectionResult{Detected: false}
}

var (
	captchaPatterns = []string{
		"/errors/validatecaptcha",
		"type the characters you see in this image",
		"enter the characters you see below",
		"captchacharacters",
		"g-recaptcha",
		"h-captcha",
		"data-sitekey",
	}

	robotCheckPatterns = []string{
		"robot check",
		"to discuss automated access",
		"api-services-support@amazon.com",
		"sorry, we just need to make sure you're not a robot",
		"are you a robot",
	}

	cookieBannerPatterns = []string{
		`id="sp-cc"`,
		"sp-cc-accept",
		"accept cookies",
		"we use cookies and similar tools",
	}

	accessDeniedPatterns = []string{
		"access denied",
		"request blocked",
		"you don't have permission",
		"automated access",
	}

	contentIndicatorRegex = regexp.MustCompile(`<(article|main|section|div[^>]*class[^>]*content)[^>]*>`)
)

func (d *Detector) checkBodyContent(body []byte) DetectionResult {
	if len(body) == 0 {
		return DetectionResult{
			Detected:    true,
			Signal:      SignalEmptyContent,
			Confidence:  80,
			Description: "Empty response body - may indicate a blocked request",
		}
	}

	content := string(body)
	contentLower := strings.ToLower(content)

	for _, pattern := range captchaPatterns {
		if strings.Contains(contentLower, pattern) {
			return DetectionResult{
				Detected:    true,
				Signal:      SignalCaptcha,
				Confidence:  95,
				Description: "Captcha challenge detected",
			}
		}
	}

	for _, pattern := range robotCheckPatterns {
		if strings.Contains(contentLower, pattern) {
			return DetectionResult{
				Detected:    true,
				Signal:      SignalRobotCheck,
				Confidence:  90,
				Description: "Robot-check interstitial detected",
			}
		}
	}

	for _, pattern := range cookieBannerPatterns {
		if strings.Contains(contentLower, pattern) {
			return DetectionResult{
				Detected:    true,
				Signal:      SignalCookieBanner,
				Confidence:  85,
				Description: "Cookie consent banner present",
			}
		}
	}

	for _, pattern := range accessDeniedPatterns {
		if strings.Contains(contentLower, pattern) {
			return DetectionResult{
				Detected:    true,
				Signal:      SignalAccessDenied,
				Confidence:  85,
				Description: "Access denied message detected",
			}
		}
	}

	if len(body) < d.MinContentLength && !contentIndicatorRegex.MatchString(content) {
		return DetectionResult{
			Detected:    true,
			Signal:      SignalEmptyContent,
			Confidence:  60,
			Description: "Response too small - may be a challenge or error page",
		}
	}

	return DetectionResult{Detected: false}
}

// Blocking reports whether the challenge must be resolved before extraction
// can proceed. A cookie banner overlays the page but does not block it.
func (r DetectionResult) Blocking() bool {
	return r.Detected && r.Signal != SignalCookieBanner
}
