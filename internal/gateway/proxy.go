package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"gasplant.org/internal/obs"
)

// NewProxy forwards admitted requests to origin, keeping the inbound Host
// out of the upstream request.
func NewProxy(origin *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			obs.Logger().WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"origin": origin.Host,
			}).WithError(err).Error("origin unreachable")
			if r.Context().Err() != nil {
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write(messageBody("Bad Gateway"))
		},
	}
}

// New assembles the default pipeline in front of upstream.
func New(upstream http.Handler, limiter Limiter, verifier Verifier) *Pipeline {
	public := NewPathSet(DefaultPublicPaths...)
	bearer := NewBearerCheck(public)
	if verifier != nil {
		bearer.WithVerifier(verifier)
	}
	return NewPipeline(upstream,
		SecurityHeaders{},
		ThreatScan{},
		bearer,
		NewAttachAuthority(public),
		NewRateLimit(limiter),
	)
}
