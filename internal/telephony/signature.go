package telephony

import (
	"net/http"
	"strings"

	"voice-platform/internal/metrics"
	"voice-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// RequireTwilioSignature rejects carrier webhooks whose X-Twilio-Signature
// does not match. publicURL is the externally visible base URL Twilio signs.
// When enforce is false, mismatches are logged and let through.
func RequireTwilioSignature(authToken, publicURL string, enforce bool, m *metrics.Webhooks) gin.HandlerFunc {
	validator := client.NewRequestValidator(authToken)
	base := strings.TrimRight(publicURL, "/")

	return func(c *gin.Context) {
		log := logger.FromGin(c)

		var params map[string]string
		if c.Request.Method == http.MethodPost {
			if err := c.Request.ParseForm(); err != nil {
				log.Warn("twilio form parse failed", "err", err)
			}
			params = formParams(c.Request)
		} else {
			params = map[string]string{}
		}

		sig := c.GetHeader(twilioSignatureHeader)
		url := base + c.Request.URL.RequestURI()
		if sig != "" && authToken != "" && validator.Validate(url, params, sig) {
			c.Next()
			return
		}

		if !enforce {
			log.Debug("twilio signature not verified", "path", c.Request.URL.Path)
			c.Next()
			return
		}

		log.Warn("twilio signature rejected", "path", c.Request.URL.Path, "has_signature", sig != "")
		m.Observe("twilio", "rejected")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
	}
}
