package middleware

import (
	"context"
	"net"
	"net/http"
)

type contextKey string

const operatorKey contextKey = "operator"

// OperatorAdmin identifies requests authenticated with the admin token.
const OperatorAdmin = "admin"

func setOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operatorKey, name)
}

// GetOperator returns the authenticated operator, if any.
func GetOperator(r *http.Request) (string, bool) {
	name, ok := r.Context().Value(operatorKey).(string)
	return name, ok
}

// clientID identifies the caller for rate limiting: the remote host without port.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
