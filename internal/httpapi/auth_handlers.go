package httpapi

import (
	"errors"
	"net/http"
	"time"

	"stepline.social/internal/account"
	"stepline.social/internal/audit"
)

const maxAvatarBytes = 2 << 20

// RegisterStart accepts the multipart registration form and stages a
// verification draft.
func (a *API) RegisterStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	params := account.RegisterStartParams{
		Email:    r.FormValue("email"),
		Username: r.FormValue("username"),
		Password: r.FormValue("password"),
	}
	if file, header, err := r.FormFile("avatar"); err == nil {
		defer file.Close()
		params.Avatar = file
		params.AvatarSize = header.Size
		params.AvatarFilename = header.Filename
		params.AvatarContentType = header.Header.Get("Content-Type")
	}

	if err := a.svc.RegisterStart(r.Context(), params); err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRegisterStart, map[string]any{
		"email": account.NormalizeEmail(params.Email),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "verification code sent",
	})
}

// RegisterVerify consumes the emailed code and promotes the draft.
func (a *API) RegisterVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.RegisterVerify(r.Context(), req.Email, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRegisterVerify, map[string]any{
		"user_id": res.User.ID,
	})
	a.setRefreshCookie(w, res.RefreshToken, res.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"accessToken": res.AccessToken,
		"user":        a.svc.PublicUser(res.User),
	})
}

// Login authenticates an email/password pair.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Login(r.Context(), req.Email, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
		"user_id": res.User.ID,
	})
	a.setRefreshCookie(w, res.RefreshToken, res.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"accessToken": res.AccessToken,
		"user":        a.svc.PublicUser(res.User),
	})
}

// Refresh rotates the cookie-borne refresh token.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	raw := a.refreshCookieValue(r)
	res, err := a.svc.Refresh(r.Context(), raw, clientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, account.ErrInvalidToken) {
			_ = audit.LogEvent(r.Context(), audit.EventRefreshReuse, nil)
			a.clearRefreshCookie(w)
			writeError(w, r, http.StatusUnauthorized, "invalid session")
			return
		}
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRefresh, map[string]any{
		"user_id": res.User.ID,
	})
	a.setRefreshCookie(w, res.RefreshToken, res.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"accessToken": res.AccessToken,
	})
}

// Logout revokes the session behind the cookie. The cookie is cleared
// whether or not a matching session existed.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.svc.Logout(r.Context(), a.refreshCookieValue(r)); err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// LogoutAll revokes every session of the bearer-authenticated user.
func (a *API) LogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, _ := account.UserIDFromContext(r.Context())
	if err := a.svc.LogoutAll(r.Context(), userID); err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogoutAll, nil)
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Me returns the authenticated user's profile.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, _ := account.UserIDFromContext(r.Context())
	user, err := a.svc.UserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		a.handleAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"user": a.svc.PublicUser(user),
	})
}

// Sessions lists the caller's active refresh sessions.
func (a *API) Sessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, _ := account.UserIDFromContext(r.Context())
	sessions, err := a.svc.ActiveSessions(r.Context(), userID)
	if err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	type sessionView struct {
		ID        string    `json:"id"`
		IP        string    `json:"ip,omitempty"`
		UserAgent string    `json:"userAgent,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:        s.ID,
			IP:        s.IP,
			UserAgent: s.UserAgent,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"sessions": views,
	})
}

// ForgotPassword stages a reset ticket. The response never varies with
// account existence.
func (a *API) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.svc.ForgotPassword(r.Context(), req.Email)
	_ = audit.LogEvent(r.Context(), audit.EventPasswordForgot, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "if the address exists, a reset email has been sent",
	})
}

// ResetPassword consumes a reset ticket.
func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPasswordReset, nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAccountError maps service errors onto the response taxonomy. Storage
// error text never reaches clients.
func (a *API) handleAccountError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr  *account.ValidationError
		cerr  *account.CredentialsError
		lerr  *account.LockedError
		now   = time.Now().UTC()
		extra map[string]any
	)
	switch {
	case errors.As(err, &verr):
		writeErrorFields(w, r, http.StatusBadRequest, "invalid input", map[string]any{
			"fields": verr.Fields,
		})
	case errors.As(err, &lerr):
		extra = map[string]any{
			"unlockAt":        lerr.UnlockAt.Format(time.RFC3339),
			"lockRemainingMs": lerr.UnlockAt.Sub(now).Milliseconds(),
			"attemptsLeft":    0,
		}
		writeErrorFields(w, r, http.StatusTooManyRequests, "too many attempts", extra)
	case errors.As(err, &cerr):
		if cerr.Locked {
			extra = map[string]any{
				"unlockAt":        cerr.UnlockAt.Format(time.RFC3339),
				"lockRemainingMs": cerr.UnlockAt.Sub(now).Milliseconds(),
				"attemptsLeft":    0,
			}
			writeErrorFields(w, r, http.StatusTooManyRequests, "too many attempts", extra)
			return
		}
		writeError(w, r, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, account.ErrConflict):
		writeError(w, r, http.StatusConflict, "email or username already in use")
	case errors.Is(err, account.ErrBreachedPassword):
		writeError(w, r, http.StatusBadRequest, "password appears in a known data breach")
	case errors.Is(err, account.ErrSamePassword):
		writeError(w, r, http.StatusBadRequest, "new password must differ from the current one")
	case errors.Is(err, account.ErrIncorrectCode):
		writeError(w, r, http.StatusBadRequest, "Incorrect code")
	case errors.Is(err, account.ErrDraftNotFound),
		errors.Is(err, account.ErrDraftExpired),
		errors.Is(err, account.ErrAttemptsExceeded):
		writeError(w, r, http.StatusBadRequest, "Invalid or expired code")
	case errors.Is(err, account.ErrTicketInvalid):
		writeError(w, r, http.StatusBadRequest, "invalid or expired reset token")
	case errors.Is(err, account.ErrDeliveryFailed):
		writeError(w, r, http.StatusInternalServerError, "could not send email, try again later")
	case errors.Is(err, account.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid session")
	case errors.Is(err, account.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) refreshCookieValue(r *http.Request) string {
	c, err := r.Cookie(a.cookie.Name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (a *API) setRefreshCookie(w http.ResponseWriter, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookie.Name,
		Value:    value,
		Path:     a.cookie.Path,
		Domain:   a.cookie.Domain,
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   a.cookie.Secure,
		SameSite: a.cookie.SameSite,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookie.Name,
		Value:    "",
		Path:     a.cookie.Path,
		Domain:   a.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookie.Secure,
		SameSite: a.cookie.SameSite,
	})
}
