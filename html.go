/*
Copyright © 2026 Jack Chindlund <jack@chindlund.dev>
*/

package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

func serveHomePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = io.WriteString(w, newPage("Bookclub Jeopardy", "Bookclub Jeopardy is running. Create a room, share its QR code, and buzz in."))
	}
}

func serveHealthCheck(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)

		_, err := w.Write([]byte("Ok\n"))
		if err != nil {
			errs <- err

			return
		}
	}
}

// serveSampleBank hands out the built-in board, mostly so a fresh
// deployment has something to POST back at /rooms.
func serveSampleBank(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(sampleBankJSON)))
		securityHeaders(cfg, w)

		_, err := w.Write(sampleBankJSON)
		if err != nil {
			errs <- err

			return
		}
	}
}

// serveRobots waves off crawlers; there is nothing here worth indexing.
func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	crawlers := []string{
		"Amazonbot",
		"Applebot-Extended",
		"Bytespider",
		"CCBot",
		"ClaudeBot",
		"Google-Extended",
		"GPTBot",
		"PerplexityBot",
		"meta-externalagent",
	}

	var b strings.Builder

	for _, crawler := range crawlers {
		fmt.Fprintf(&b, "User-agent: %s\nDisallow: /\n\n", crawler)
	}

	data := b.String()

	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		_, err := w.Write([]byte(data))
		if err != nil {
			errs <- err

			return
		}
	}
}
