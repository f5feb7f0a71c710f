package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const requestTimeout = 10 * time.Second

func withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

func errNotFound(name string) error {
	return fmt.Errorf("unknown collector %q", name)
}
