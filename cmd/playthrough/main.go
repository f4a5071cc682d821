package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zhouzirui/z-tavern/playthrough/internal/config"
	"github.com/zhouzirui/z-tavern/playthrough/internal/handler"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/events"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := log.Default()

	// 会话与网关共用同一个事件总线，桥接层订阅它
	emitter := events.NewEmitter()

	roomClient, err := cfg.Play.NewRoomClient(logger)
	if err != nil {
		log.Fatalf("failed to create room client: %v", err)
	}

	sessions := session.NewManager(session.ClientJoiner(roomClient), session.Options{
		RoomKind:    cfg.Play.RoomKind,
		JoinTimeout: cfg.Play.JoinTimeout,
		Emitter:     emitter,
		Logger:      logger,
	})
	sessions.SetSpeech(cfg.Play.SpeechDefault)

	gateway, err := cfg.Play.NewGateway(emitter, logger)
	if err != nil {
		log.Fatalf("failed to create play gateway: %v", err)
	}

	if cfg.Play.APIKey == "" {
		log.Println("PLAY_API_KEY 未配置，仅能为已发布版本创建 token")
	}
	log.Printf("play api=%s socket=%s codec=%s", cfg.Play.BaseURL, cfg.Play.SocketURL, cfg.Play.WireCodec)

	router := handler.NewRouter(sessions, gateway, emitter, cfg.Play.APIKey)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("playthrough bridge listening on %s", srv.Addr)
	// 先离开房间，让事件流客户端在关闭前收到断开事件
	if err := serve(ctx, srv, sessions.Disconnect); err != nil {
		log.Fatalf("bridge server stopped: %v", err)
	}
	log.Println("playthrough bridge stopped")
}

// serve runs srv until ctx is done. beforeShutdown runs once the signal
// arrives and before open streams are drained.
func serve(ctx context.Context, srv *http.Server, beforeShutdown func()) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Println("shutting down playthrough bridge")
	if beforeShutdown != nil {
		beforeShutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] bridge shutdown incomplete: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
