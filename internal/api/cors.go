package api

import (
	"net/http"
	"strings"
)

// OpenCORSConfig describes the permissive CORS policy browsers see when no origin allow-list is configured.
type OpenCORSConfig struct {
	AllowMethods []string
	AllowHeaders []string
}

func DefaultOpenCORSConfig() OpenCORSConfig {
	return OpenCORSConfig{
		AllowMethods: []string{http.MethodPost},
		AllowHeaders: []string{"Content-Type"},
	}
}

// OpenCORS allows every origin and answers preflight requests with 200 and an empty body.
func OpenCORS(config OpenCORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(config.AllowMethods, ", ")
	headers := strings.Join(config.AllowHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
