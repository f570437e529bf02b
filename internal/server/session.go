package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dharsanguruparan/facescan/internal/signing"
)

const (
	// SessionCookie carries the session token for browser clients.
	SessionCookie = "facescan_session"
	ownerKey      = "owner_id"
)

// requireSession resolves the caller's owner id from a bearer token or the
// session cookie.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := bearerToken(c.Request())
		if token == "" {
			if cookie, err := c.Cookie(SessionCookie); err == nil {
				token = cookie.Value
			}
		}
		if token == "" {
			return errorJSON(c, http.StatusUnauthorized, "missing session")
		}
		owner, err := s.signer.Verify(token)
		if err != nil {
			return errorJSON(c, http.StatusUnauthorized, "invalid session")
		}
		c.Set(ownerKey, owner)
		return next(c)
	}
}

func ownerFrom(c echo.Context) string {
	owner, _ := c.Get(ownerKey).(string)
	return owner
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

type sessionRequest struct {
	OwnerID string `json:"ownerId"`
}

// handleCreateSession issues a token for local development. It is only
// routed when dev sessions are enabled.
func (s *Server) handleCreateSession(c echo.Context) error {
	var req sessionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return errorJSON(c, http.StatusBadRequest, "invalid session request")
		}
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		owner = uuid.NewString()
	}
	if !signing.ValidOwner(owner) {
		return errorJSON(c, http.StatusBadRequest, "invalid owner id")
	}
	token, exp, err := s.signer.Issue(owner, s.cfg.SessionTTL)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "could not issue session")
	}
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return c.JSON(http.StatusCreated, map[string]string{
		"ownerId":   owner,
		"token":     token,
		"expiresAt": exp.UTC().Format(time.RFC3339),
	})
}
