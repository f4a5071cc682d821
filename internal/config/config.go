package config

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/playthrough/internal/service/api"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/events"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/room"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Play   PlayConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	play, err := loadPlayConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Play: play}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析桥接服务监听地址，PORT 可以是端口号或 host:port。
func loadServerConfig() (ServerConfig, error) {
	port := getEnvOrDefault("PORT", "8080")

	host := ""
	if strings.Contains(port, ":") {
		h, p, err := net.SplitHostPort(port)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid PORT value %q: %w", port, err)
		}
		host, port = h, p
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return ServerConfig{}, fmt.Errorf("invalid PORT value %q: port must be 1-65535", port)
	}

	return ServerConfig{Addr: net.JoinHostPort(host, strconv.Itoa(n))}, nil
}

// PlayConfig 描述剧情服务（HTTP 接口与实时房间）相关配置。
type PlayConfig struct {
	BaseURL       string
	SocketURL     string
	APIKey        string // 仅草稿版本需要
	RoomKind      string
	WireCodec     string
	JoinTimeout   time.Duration
	HTTPTimeout   time.Duration
	PingInterval  time.Duration
	SpeechDefault bool
}

// NewRoomClient 使用配置创建房间客户端。
func (c PlayConfig) NewRoomClient(logger *log.Logger) (*room.Client, error) {
	codec, err := room.CodecByName(c.WireCodec)
	if err != nil {
		return nil, fmt.Errorf("invalid PLAY_WIRE_CODEC: %w", err)
	}

	return room.NewClient(c.SocketURL, &room.ClientOptions{
		HTTPClient:   &http.Client{Timeout: c.HTTPTimeout},
		Codec:        codec,
		PingInterval: c.PingInterval,
		Logger:       logger,
	})
}

// NewGateway 使用配置创建 HTTP 网关。
func (c PlayConfig) NewGateway(emitter *events.Emitter, logger *log.Logger) (*api.Gateway, error) {
	return api.NewGateway(c.BaseURL, &api.GatewayOptions{
		HTTPClient: &http.Client{Timeout: c.HTTPTimeout},
		Emitter:    emitter,
		Logger:     logger,
	})
}

func loadPlayConfig() (PlayConfig, error) {
	joinTimeout, err := parseSecondsEnv("PLAY_JOIN_TIMEOUT", 15)
	if err != nil {
		return PlayConfig{}, err
	}

	httpTimeout, err := parseSecondsEnv("PLAY_HTTP_TIMEOUT", 30)
	if err != nil {
		return PlayConfig{}, err
	}

	pingInterval, err := parseSecondsEnv("PLAY_PING_INTERVAL", 30)
	if err != nil {
		return PlayConfig{}, err
	}

	speechDefault, err := parseBoolEnv("PLAY_SPEECH_DEFAULT", false)
	if err != nil {
		return PlayConfig{}, err
	}

	codec := strings.ToLower(getEnvOrDefault("PLAY_WIRE_CODEC", room.CodecJSON))
	if _, err := room.CodecByName(codec); err != nil {
		return PlayConfig{}, fmt.Errorf("invalid PLAY_WIRE_CODEC value %q: %w", codec, err)
	}

	return PlayConfig{
		BaseURL:       strings.TrimRight(getEnvOrDefault("PLAY_BASE_URL", "https://play.charisma.ai"), "/"),
		SocketURL:     strings.TrimRight(getEnvOrDefault("PLAY_SOCKET_URL", "wss://play.charisma.ai"), "/"),
		APIKey:        strings.TrimSpace(os.Getenv("PLAY_API_KEY")),
		RoomKind:      getEnvOrDefault("PLAY_ROOM_KIND", "chat"),
		WireCodec:     codec,
		JoinTimeout:   joinTimeout,
		HTTPTimeout:   httpTimeout,
		PingInterval:  pingInterval,
		SpeechDefault: speechDefault,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseSecondsEnv 读取以秒为单位的时长，未设置时使用默认值
func parseSecondsEnv(key string, defaultSeconds int) (time.Duration, error) {
	seconds, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if seconds == nil {
		return time.Duration(defaultSeconds) * time.Second, nil
	}
	if *seconds <= 0 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *seconds)
	}
	return time.Duration(*seconds) * time.Second, nil
}
