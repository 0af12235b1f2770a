package http

import (
	"net/http"

	"trivia-live-service/internal/app"
)

// Identity comes from the auth boundary in front of the service: headers when a gateway
// sets them, query parameters otherwise (browsers cannot set websocket headers).
const (
	headerUserID = "X-User-ID"
	headerName   = "X-User-Name"
	headerCrew   = "X-User-Crew"
)

func identity(r *http.Request) app.Identity {
	q := r.URL.Query()
	pick := func(header, param string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return q.Get(param)
	}
	return app.Identity{
		UserID:      pick(headerUserID, "userId"),
		DisplayName: pick(headerName, "name"),
		Crew:        pick(headerCrew, "crew"),
	}
}
