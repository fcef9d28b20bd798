package auth

import (
	"crypto/sha256"
	"net/http"

	"github.com/gorilla/sessions"
)

// SessionName is the name of the login session cookie.
const SessionName = "urekai-session"

// SessionKeyUserID is the session value holding the user id.
const SessionKeyUserID = "user_id"

// NewSessionStore creates the cookie-based session store.
//
// The secret can be any passphrase; it is SHA-256 hashed to derive a 32-byte signing
// key, so it must be the same across restarts and across servers. Cookies are
// HttpOnly and SameSite=Lax. secure should be true everywhere except local development.
func NewSessionStore(secret string, maxAge int, secure bool) *sessions.CookieStore {
	key := sha256.Sum256([]byte(secret))

	store := sessions.NewCookieStore(key[:])
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// SaveUserSession writes a session cookie for userID to the response.
func SaveUserSession(store sessions.Store, w http.ResponseWriter, r *http.Request, userID string) error {
	session, err := store.Get(r, SessionName)
	if err != nil && session == nil {
		return err
	}
	session.Values[SessionKeyUserID] = userID
	return session.Save(r, w)
}

// sessionUserID returns the user id stored in the request's session cookie, if any.
func sessionUserID(store sessions.Store, r *http.Request) string {
	if _, err := r.Cookie(SessionName); err != nil {
		return ""
	}
	session, err := store.Get(r, SessionName)
	if err != nil {
		return ""
	}
	userID, _ := session.Values[SessionKeyUserID].(string)
	return userID
}
