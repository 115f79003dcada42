package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const (
	timeout      time.Duration = 10 * time.Second
	maxBankBytes int64         = 1 << 20
	qrSize       int           = 320
)

type createRoomRequest struct {
	Bank        *Bank  `json:"bank"`
	DurationSec int    `json:"durationSec,omitempty"`
	TeamOneName string `json:"teamOneName,omitempty"`
	TeamTwoName string `json:"teamTwoName,omitempty"`
}

type createRoomResponse struct {
	Code    string `json:"code"`
	JoinURL string `json:"joinUrl"`
}

type roomSummary struct {
	Code        string          `json:"code"`
	Phase       Phase           `json:"phase"`
	CreatedAtMs int64           `json:"createdAtMs"`
	Players     int             `json:"players"`
	Teams       map[string]Team `json:"teams"`
}

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

// roomURL reconstructs the externally visible address of a room,
// respecting TLS termination at a reverse proxy.
func roomURL(cfg *Config, r *http.Request, code string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	return scheme + "://" + r.Host + cfg.prefix + "/rooms/" + code
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("bookclub-jeopardy v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		log.Debug().
			Str("size", humanReadableSize(int64(written))).
			Str("to", realIP(r)).
			Dur("elapsed", time.Since(startTime).Round(time.Microsecond)).
			Msg("Served version page")
	}
}

func serveCreateRoom(cfg *Config, st Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		var req createRoomRequest

		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBankBytes)).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError

			if errors.As(err, &tooLarge) {
				http.Error(w, "request body larger than "+humanReadableSize(maxBankBytes), http.StatusRequestEntityTooLarge)

				return
			}

			http.Error(w, "malformed request body", http.StatusBadRequest)

			return
		}

		if req.DurationSec == 0 {
			req.DurationSec = cfg.clueSeconds()
		}

		host, err := CreateRoom(r.Context(), st, req.Bank, RoomOptions{
			DurationSec: req.DurationSec,
			TeamOneName: req.TeamOneName,
			TeamTwoName: req.TeamTwoName,
		})

		switch {
		case errors.Is(err, ErrInvalidBank):
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		case errors.Is(err, ErrRoomExists):
			http.Error(w, "no free room codes, try again", http.StatusServiceUnavailable)

			return
		case err != nil:
			http.Error(w, "room creation failed", http.StatusInternalServerError)

			return
		}

		// The handler only allocates the room; whoever runs the game
		// attaches a host seat through the sync socket afterwards.
		code := host.Code()
		host.Close()

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusCreated)

		_ = json.NewEncoder(w).Encode(createRoomResponse{
			Code:    code,
			JoinURL: roomURL(cfg, r, code),
		})

		log.Debug().
			Str("room", code).
			Str("to", realIP(r)).
			Dur("elapsed", time.Since(startTime).Round(time.Microsecond)).
			Msg("Created room over HTTP")
	}
}

func serveRoomInfo(cfg *Config, st Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := normalizeRoomCode(ps.ByName("code"))
		if !validRoomCode(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)

			return
		}

		snap, err := st.Get(r.Context(), roomPath(code))
		if err != nil {
			http.Error(w, "room lookup failed", http.StatusInternalServerError)

			return
		}

		room, err := decodeRoom(snap)
		if err != nil || !room.Exists {
			http.Error(w, "room not found", http.StatusNotFound)

			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		_ = json.NewEncoder(w).Encode(roomSummary{
			Code:        code,
			Phase:       room.Phase,
			CreatedAtMs: room.CreatedAt,
			Players:     len(room.Players),
			Teams:       room.Teams,
		})
	}
}

// serveRoomQR renders the join link for a room as a PNG, for pointing
// phones at a screen instead of typing codes.
func serveRoomQR(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		code := normalizeRoomCode(ps.ByName("code"))
		if !validRoomCode(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)

			return
		}

		png, err := qrcode.Encode(roomURL(cfg, r, code), qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))
		securityHeaders(cfg, w)

		written, err := w.Write(png)
		if err != nil {
			errs <- err

			return
		}

		log.Debug().
			Str("room", code).
			Str("size", humanReadableSize(int64(written))).
			Str("to", realIP(r)).
			Dur("elapsed", time.Since(startTime).Round(time.Microsecond)).
			Msg("Served QR code")
	}
}

func newStore(ctx context.Context, cfg *Config) (Store, error) {
	switch {
	case cfg.redisURL != "":
		opts, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}

		return NewRedisStore(ctx, opts)
	case cfg.natsURL != "":
		return NewNatsStore(ctx, cfg.natsURL, cfg.natsBucket)
	default:
		return NewMemStore(), nil
	}
}

// bootRoom hosts a room at startup so the server can be pointed at a
// bank file and played immediately, without a separate create call.
func bootRoom(ctx context.Context, cfg *Config, st Store) (*HostSession, error) {
	var (
		bank *Bank
		err  error
	)

	if cfg.bank == "sample" {
		bank = SampleBank()
	} else {
		bank, err = LoadBank(cfg.bank)
		if err != nil {
			return nil, err
		}
	}

	host, err := CreateRoom(ctx, st, bank, RoomOptions{DurationSec: cfg.clueSeconds()})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("room", host.Code()).
		Msgf("Hosting %q at %s://%s:%d%s/rooms/%s", cfg.bank, cfg.scheme(), cfg.bind, cfg.port, cfg.prefix, host.Code())

	return host, nil
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	log.Info().Str("version", releaseVersion).Msg("Starting bookclub-jeopardy")

	st, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	errs := make(chan error, 64)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				log.Error().Err(err).Msg("Handler write failed")
			}
		}
	}()

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/", serveHomePage(cfg))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	mux.GET(cfg.prefix+"/bank/sample.json", serveSampleBank(cfg, errs))

	mux.POST(cfg.prefix+"/rooms", serveCreateRoom(cfg, st))

	mux.GET(cfg.prefix+"/rooms/:code", serveRoomInfo(cfg, st))

	mux.GET(cfg.prefix+"/rooms/:code/qr", serveRoomQR(cfg, errs))

	mux.GET(cfg.prefix+"/rooms/:code/ws", serveRoomSync(cfg, st))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           c.Handler(mux),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	if cfg.bank != "" {
		host, err := bootRoom(ctx, cfg, st)
		if err != nil {
			return err
		}
		defer host.Close()
	}

	go func() {
		var err error

		log.Info().Msgf("Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)

		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Listener failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
