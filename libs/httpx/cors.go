package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy defines the CORS headers to emit for matching origins. Public availability
// endpoints are called from embedded booking widgets, hence the need.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

type compiledCORS struct {
	origins     []string
	wildcard    bool
	credentials bool
	methods     string
	headers     string
	maxAge      string
}

func (p CORSPolicy) compile() compiledCORS {
	c := compiledCORS{
		credentials: p.AllowCredentials,
		methods:     strings.Join(trimAll(p.AllowedMethods), ", "),
		headers:     strings.Join(trimAll(p.AllowedHeaders), ", "),
	}
	for _, o := range trimAll(p.AllowedOrigins) {
		if o == "*" {
			c.wildcard = true
			continue
		}
		c.origins = append(c.origins, o)
	}
	if secs := int(p.MaxAge.Seconds()); secs > 0 {
		c.maxAge = strconv.Itoa(secs)
	}
	return c
}

// allowOrigin returns the value for Access-Control-Allow-Origin, or "" when origin is not allowed.
func (c compiledCORS) allowOrigin(origin string) string {
	for _, o := range c.origins {
		if strings.EqualFold(o, origin) {
			return origin
		}
	}
	if c.wildcard {
		if c.credentials {
			return origin
		}
		return "*"
	}
	return ""
}

// WithCORS adds CORS handling. An empty origin list makes it a no-op.
func WithCORS(policy CORSPolicy) Middleware {
	cfg := policy.compile()
	if len(cfg.origins) == 0 && !cfg.wildcard {
		return nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allow := ""
			if origin != "" {
				allow = cfg.allowOrigin(origin)
			}
			if allow == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			if cfg.credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if cfg.methods != "" {
				h.Set("Access-Control-Allow-Methods", cfg.methods)
			}
			if cfg.headers != "" {
				h.Set("Access-Control-Allow-Headers", cfg.headers)
			}
			if cfg.maxAge != "" {
				h.Set("Access-Control-Max-Age", cfg.maxAge)
			}
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
