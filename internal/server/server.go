// Package server exposes a running session over HTTP: a status snapshot,
// share and blank toggles, a websocket event feed and a debug view of the
// latest frame.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	xdraw "golang.org/x/image/draw"

	"glimpse/internal/region"
	"glimpse/internal/session"
	"glimpse/internal/types"
)

type Config struct {
	Addr string
	// Token, when set, must be presented as "Authorization: Bearer <token>"
	// or, for the websocket, as a token query parameter.
	Token string

	// TLS serves HTTPS with an ephemeral self-signed certificate.
	// TLSCert and TLSKey, when both set, take precedence.
	TLS     bool
	TLSCert string
	TLSKey  string

	LoggerFactory logging.LoggerFactory
}

// frameSource is implemented by both session roles.
type frameSource interface {
	LatestFrame() (*types.Frame, bool)
}

type Server struct {
	cfg Config
	log logging.LeveledLogger
	ctl session.Controller

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	pumped  chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan session.Event
}

// New wraps ctl and starts forwarding its events to websocket clients.
// The server is the only consumer of ctl.Events().
func New(ctl session.Controller, cfg Config) *Server {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	s := &Server{
		cfg:     cfg,
		log:     cfg.LoggerFactory.NewLogger("server"),
		ctl:     ctl,
		clients: make(map[*client]struct{}),
		pumped:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	go s.pump()
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /share", s.handleShareStart)
	mux.HandleFunc("DELETE /share", s.handleShareStop)
	mux.HandleFunc("POST /blank", s.handleBlank)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /debug/frame", s.handleDebugFrame)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tc, err := s.tlsConfig()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second, TLSConfig: tc}
	errc := make(chan error, 1)
	if tc != nil {
		go func() { errc <- srv.ListenAndServeTLS("", "") }()
		s.log.Infof("control server listening on https://%s", s.cfg.Addr)
	} else {
		go func() { errc <- srv.ListenAndServe() }()
		s.log.Infof("control server listening on http://%s", s.cfg.Addr)
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.closeClients()
		return srv.Shutdown(shutCtx)
	}
}

func (s *Server) checkAuth(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	want := []byte("Bearer " + s.cfg.Token)
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) == 1 {
		return true
	}
	if r.URL.Path == "/events" {
		return subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(s.cfg.Token)) == 1
	}
	return false
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) writeStatus(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(s.ctl.Status()); err != nil {
		s.log.Debugf("write status: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	s.writeStatus(w, http.StatusOK)
}

func (s *Server) handleShareStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	sel, err := parseSelection(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch ctl := s.ctl.(type) {
	case *session.Caster:
		err = ctl.StartRegion(r.Context(), sel)
	default:
		if sel != nil {
			http.Error(w, "regions only apply when casting", http.StatusBadRequest)
			return
		}
		err = ctl.Start(r.Context())
	}
	if err != nil {
		s.log.Warnf("start: %v", err)
		http.Error(w, err.Error(), startErrorCode(err))
		return
	}
	s.writeStatus(w, http.StatusOK)
}

func startErrorCode(err error) int {
	var ce *types.CaptureError
	var be *types.BindError
	switch {
	case types.IsRegistrationError(err):
		return http.StatusBadGateway
	case errors.As(err, &ce), errors.As(err, &be):
		return http.StatusConflict
	case errors.Is(err, types.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// parseSelection reads x0,y0,x1,y1 from the query. It returns nil when none
// are given.
func parseSelection(r *http.Request) (*region.Selection, error) {
	q := r.URL.Query()
	keys := []string{"x0", "y0", "x1", "y1"}
	var vals [4]int
	present := 0
	for i, k := range keys {
		v := q.Get(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", k, v)
		}
		vals[i] = n
		present++
	}
	switch present {
	case 0:
		return nil, nil
	case len(keys):
		return &region.Selection{X0: vals[0], Y0: vals[1], X1: vals[2], Y1: vals[3]}, nil
	}
	return nil, errors.New("a region needs all of x0, y0, x1 and y1")
}

func (s *Server) handleShareStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	s.ctl.Stop()
	s.writeStatus(w, http.StatusOK)
}

func (s *Server) handleBlank(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	c, ok := s.ctl.(*session.Caster)
	if !ok {
		http.Error(w, "blanking only applies when casting", http.StatusBadRequest)
		return
	}
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		http.Error(w, "on must be true or false", http.StatusBadRequest)
		return
	}
	c.SetBlanked(on)
	s.writeStatus(w, http.StatusOK)
}

func (s *Server) handleDebugFrame(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	src, ok := s.ctl.(frameSource)
	if !ok {
		http.Error(w, "no frame source", http.StatusNotFound)
		return
	}
	f, ok := src.LatestFrame()
	if !ok {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}

	var img image.Image = &image.RGBA{Pix: f.Data, Stride: f.Width * 4, Rect: image.Rect(0, 0, f.Width, f.Height)}
	if v := r.URL.Query().Get("width"); v != "" {
		width, err := strconv.Atoi(v)
		if err != nil || width <= 0 {
			http.Error(w, "invalid width", http.StatusBadRequest)
			return
		}
		if width < f.Width {
			height := max(1, f.Height*width/f.Width)
			dst := image.NewRGBA(image.Rect(0, 0, width, height))
			xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
			img = dst
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		s.log.Debugf("encode debug frame: %v", err)
	}
}
