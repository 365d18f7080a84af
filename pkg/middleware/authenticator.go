package middleware

import (
	"context"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
)

type contextKey string

// UIDKey holds the verified user id of the request.
const UIDKey contextKey = "UID"

// FirebaseVerifier adapts the firebase auth client to the token verifier
// used by both the REST middleware and the socket setup handshake.
type FirebaseVerifier struct {
	Auth *auth.Client
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (string, error) {
	decoded, err := v.Auth.VerifyIDToken(ctx, token)
	if err != nil {
		return "", err
	}
	return decoded.UID, nil
}

// Verifier is the subset of FirebaseVerifier the middleware needs.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Authenticator rejects requests without a valid bearer token and stores
// the verified UID in the request context.
func Authenticator(verifier Verifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idToken := findToken(r, tokenFromHeader, tokenFromQuery)
			if idToken == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			uid, err := verifier.Verify(r.Context(), idToken)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UIDKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UID returns the verified user id stored by Authenticator.
func UID(r *http.Request) string {
	uid, _ := r.Context().Value(UIDKey).(string)
	return uid
}

func tokenFromHeader(r *http.Request) string {
	// Get token from authorization header.
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
		return bearer[7:]
	}
	return ""
}

func tokenFromQuery(r *http.Request) string {
	// Get token from query param named "token".
	return r.URL.Query().Get("token")
}

func findToken(r *http.Request, findTokenFns ...func(r *http.Request) string) string {
	var tokenString string

	for _, fn := range findTokenFns {
		tokenString = fn(r)
		if tokenString != "" {
			break
		}
	}

	return tokenString
}
