package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func twilioSignature(token, u string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(u)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedRouter(enforce bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/twilio/status", RequireTwilioSignature("tok", "https://voice.example.com", enforce, nil), func(c *gin.Context) {
		c.String(http.StatusOK, c.Request.PostFormValue("CallSid"))
	})
	return r
}

func TestRequireTwilioSignature(t *testing.T) {
	params := map[string]string{"CallSid": "CA1", "CallStatus": "completed"}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	cases := []struct {
		name    string
		sig     string
		enforce bool
		want    int
	}{
		{"valid", twilioSignature("tok", "https://voice.example.com/webhooks/twilio/status", params), true, http.StatusOK},
		{"wrong token", twilioSignature("other", "https://voice.example.com/webhooks/twilio/status", params), true, http.StatusForbidden},
		{"missing", "", true, http.StatusForbidden},
		{"missing, not enforced", "", false, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := formRequest("/webhooks/twilio/status", form.Encode())
			if tc.sig != "" {
				req.Header.Set("X-Twilio-Signature", tc.sig)
			}
			w := httptest.NewRecorder()
			signedRouter(tc.enforce).ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if w.Code == http.StatusOK && w.Body.String() != "CA1" {
				t.Fatalf("expected form to reach handler, got %q", w.Body.String())
			}
		})
	}
}
