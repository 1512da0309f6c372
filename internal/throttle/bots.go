package throttle

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Crawler user-agent fragments. Lowercased substring matching is how the
// widget tier has always filtered bots: no survey should ever be recorded
// as shown to a crawler.
var botUserAgents = []string{
	"googlebot",
	"bingbot",
	"yandexbot",
	"duckduckbot",
	"baiduspider",
	"slurp",
	"facebookexternalhit",
	"twitterbot",
	"linkedinbot",
	"applebot",
	"ahrefsbot",
	"semrushbot",
	"mj12bot",
	"petalbot",
	"headlesschrome",
	"phantomjs",
	"crawler",
	"spider",
}

// IsBot reports whether the user agent belongs to a known crawler.
func IsBot(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return false
	}
	for _, fragment := range botUserAgents {
		if strings.Contains(ua, fragment) {
			return true
		}
	}
	return false
}

// BotFilter rejects crawler requests before any recording work happens.
func BotFilter() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsBot(c.Request.UserAgent()) {
			c.String(http.StatusForbidden, "Forbidden")
			c.Abort()
			return
		}
		c.Next()
	}
}
