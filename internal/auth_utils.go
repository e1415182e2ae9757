package internal

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

type authUserKey struct{}

// ErrMissingCredentials is returned when a request carries no bearer token.
var ErrMissingCredentials = connect.NewError(
	connect.CodeUnauthenticated,
	errors.New("request needs to be authenticated"),
)

// BearerToken extracts the session token from the Authorization header,
// falling back to the access_token query parameter used by browser websocket clients.
func BearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get(HeaderAuthorization))
	if header != "" {
		if len(header) > len(BearerPrefix) && strings.EqualFold(header[:len(BearerPrefix)], BearerPrefix) {
			return strings.TrimSpace(header[len(BearerPrefix):]), nil
		}
		return "", ErrMissingCredentials
	}

	if token := strings.TrimSpace(r.URL.Query().Get(QueryAccessToken)); token != "" {
		return token, nil
	}

	return "", ErrMissingCredentials
}

// WithAuthenticatedUser stores the verified user id on the context.
func WithAuthenticatedUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, authUserKey{}, userID)
}

// AuthenticatedUser returns the user id previously stored by WithAuthenticatedUser.
func AuthenticatedUser(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(authUserKey{}).(string)
	if !ok || userID == "" {
		return "", ErrMissingCredentials
	}
	return userID, nil
}
