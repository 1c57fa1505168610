package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"inkroom/internal/auth"
	"inkroom/internal/config"
	"inkroom/internal/export"
	"inkroom/internal/history"
	"inkroom/internal/hub"
	inet "inkroom/internal/net"
	"inkroom/internal/presence"
	"inkroom/internal/project"
	"inkroom/internal/session"
	"inkroom/internal/state"
	"inkroom/internal/tool"
)

func main() {
	var (
		joinURL  = flag.String("join", "", "join a hub as a headless client, e.g. ws://192.168.1.10:8888")
		discover = flag.Bool("discover", false, "find a hub on the local network instead of -join")
		roomID   = flag.String("room", "default", "room to join")
		name     = flag.String("name", "guest", "display name when joining")
		pdfPath  = flag.String("export", "", "write the room to this PDF after syncing and exit")
		scribble = flag.Bool("scribble", false, "draw a demo stroke after joining")
	)
	flag.Parse()

	if *discover && *joinURL == "" {
		found := make(chan string, 1)
		if err := inet.Browse(func(addr string) {
			select {
			case found <- addr:
			default:
			}
		}); err != nil {
			fmt.Fprintln(os.Stderr, "discovery failed:", err)
			os.Exit(1)
		}
		select {
		case addr := <-found:
			*joinURL = "ws://" + addr
		default:
			fmt.Fprintln(os.Stderr, "no hub found on the local network")
			os.Exit(1)
		}
	}

	if *joinURL != "" {
		runClient(*joinURL, *roomID, *name, *pdfPath, *scribble)
		return
	}
	runHub()
}

func runHub() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	opts := hub.Options{
		Secret:      cfg.JWTSecret,
		AllowGuests: cfg.AllowGuests,
		RoleRecheck: cfg.RoleRecheck,
		IdleTimeout: cfg.RoomIdleTimeout,
		Logger:      logger,
	}
	if cfg.PermissionURL != "" {
		opts.Permissions = auth.NewHTTPPermissions(cfg.PermissionURL)
	}

	ctx := context.Background()
	if cfg.RedisAddr != "" {
		broker, err := hub.NewRedisBroker(ctx, cfg.RedisAddr, "", logger)
		if err != nil {
			logger.Fatal("redis unavailable", zap.Error(err))
		}
		defer broker.Close()
		opts.Broker = broker
		logger.Info("broker enabled", zap.String("addr", cfg.RedisAddr))
	}
	if cfg.PostgresURL != "" {
		snaps, err := hub.NewPostgresSnapshots(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal("postgres unavailable", zap.Error(err))
		}
		defer snaps.Close()
		opts.Snapshots = snaps
		logger.Info("snapshot persistence enabled")
	}

	h := hub.NewHub(opts)
	defer h.Close()

	if cfg.EnableMDNS {
		host, _ := os.Hostname()
		srv, err := inet.Announce(host, portOf(cfg.ListenAddr))
		if err != nil {
			logger.Warn("mdns announce failed", zap.Error(err))
		} else {
			defer srv.Shutdown()
		}
	}

	server := &http.Server{Addr: cfg.ListenAddr, Handler: h.Router()}
	go func() {
		logger.Info("hub listening", zap.String("addr", cfg.ListenAddr))
		if ip, err := inet.OutgoingIP(); err == nil {
			logger.Info("share link", zap.String("url", fmt.Sprintf("ws://%s%s", ip, cfg.ListenAddr)))
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

// runClient joins a room headless: it mirrors the document, optionally draws
// a stroke, and can export the converged state to PDF.
func runClient(url, roomID, name, pdfPath string, scribble bool) {
	logger := newLogger("info")
	defer logger.Sync()

	secret := os.Getenv("INKROOM_JWT_SECRET")
	if secret == "" {
		logger.Fatal("INKROOM_JWT_SECRET must be set to mint a guest token")
	}
	actor := uuid.NewString()
	token, err := auth.MintToken(secret, actor, name, true, 24*time.Hour)
	if err != nil {
		logger.Fatal("mint token", zap.Error(err))
	}

	var cache *session.Cache
	if dir, err := os.UserCacheDir(); err == nil {
		cache, err = session.OpenCache(filepath.Join(dir, "inkroom", "client.db"))
		if err != nil {
			logger.Warn("local cache unavailable", zap.Error(err))
		} else {
			defer cache.Close()
		}
	}
	if cache != nil {
		if rooms, err := cache.GuestRooms(); err == nil {
			for _, r := range rooms {
				logger.Info("previously joined as guest", zap.String("room", r.RoomID), zap.String("role", r.Role))
			}
		}
		if vp, ok, err := cache.LoadViewport(roomID); err == nil && ok {
			logger.Info("restored viewport",
				zap.Float64("x", vp.X), zap.Float64("y", vp.Y), zap.Float64("scale", vp.Scale))
		}
	}

	store := state.NewStore(actor, logger)
	tracker := presence.NewTracker(presence.DefaultTimeout, func(peers []presence.Record) {
		logger.Info("peers changed", zap.Int("count", len(peers)))
	})
	var liveOnce sync.Once
	live := make(chan struct{})
	sess := session.New(store, tracker, session.Options{
		URL:    url,
		RoomID: roomID,
		Token:  token,
		Guest:  true,
		Cache:  cache,
		OnState: func(st session.State) {
			logger.Info("session state", zap.Stringer("state", st))
			if st == session.Live {
				liveOnce.Do(func() { close(live) })
			}
		},
		Logger: logger,
	})
	defer sess.Close()
	sess.Connect()

	projector := project.NewProjector()
	hist := history.NewManager(sess, actor, logger)
	toolOpts := tool.DefaultOptions()
	dispatcher := tool.NewDispatcher(sess, hist, func() []project.Object {
		return projector.Project(store)
	}, &toolOpts, sess.ReadOnly, logger)

	if scribble {
		// Draw on a current replica, not a cold one.
		select {
		case <-live:
			drawDemoStroke(dispatcher, sess)
		case <-time.After(30 * time.Second):
			logger.Warn("session never went live; skipping demo stroke")
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	if cache != nil {
		if vp, ok := contentViewport(projector.Project(store)); ok {
			if err := cache.SaveViewport(roomID, vp); err != nil {
				logger.Warn("viewport not saved", zap.Error(err))
			}
		}
	}

	if pdfPath != "" {
		if err := export.WritePDF(pdfPath, projector.Project(store)); err != nil {
			logger.Error("pdf export failed", zap.Error(err))
		} else {
			logger.Info("document exported", zap.String("path", pdfPath))
		}
	}
}

// contentViewport centers the camera on the document's bounding box, so the
// next join of this room starts where the content is.
func contentViewport(objects []project.Object) (session.Viewport, bool) {
	if len(objects) == 0 {
		return session.Viewport{}, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	extend := func(x, y float64) {
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	for _, obj := range objects {
		b := obj.Base()
		extend(b.X, b.Y)
		if p, ok := obj.(*project.Path); ok {
			for i := 0; i+1 < len(p.Points); i += 2 {
				extend(b.X+p.Points[i], b.Y+p.Points[i+1])
			}
		}
	}
	return session.Viewport{X: (minX + maxX) / 2, Y: (minY + maxY) / 2, Scale: 1}, true
}

func drawDemoStroke(d *tool.Dispatcher, sess *session.Session) {
	d.PointerDown(tool.PointerEvent{X: 100, Y: 100})
	for i := 1; i <= 20; i++ {
		x := 100 + float64(i)*10
		y := 100 + float64(i%5)*8
		d.PointerMove(tool.PointerEvent{X: x, Y: y})
		sess.PublishCursor(x, y)
		time.Sleep(20 * time.Millisecond)
	}
	d.PointerUp(tool.PointerEvent{X: 300, Y: 100})
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return logger
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 8888
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 8888
	}
	return port
}
