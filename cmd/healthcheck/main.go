// Command healthcheck probes /readyz for container HEALTHCHECK directives.
// The target is HEALTHCHECK_URL, or derived from HTTP_ADDR.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := probe(ctx, targetURL(os.Getenv)); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func targetURL(getenv func(string) string) string {
	if u := getenv("HEALTHCHECK_URL"); u != "" {
		return u
	}
	port := "8080"
	if addr := getenv("HTTP_ADDR"); addr != "" {
		if _, p, err := net.SplitHostPort(addr); err == nil && p != "" {
			port = p
		}
	}
	return "http://localhost:" + port + "/readyz"
}

func probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}
