package main

import (
	"context"
	"hash/fnv"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"PGateway/global/config"
	"PGateway/logger"
	"PGateway/service/bus"
	"PGateway/service/gateway"
	"PGateway/service/journal"
	storage "PGateway/service/storage"
	storeredis "PGateway/service/storage/redis"
	"PGateway/tools/ids"
	"PGateway/tools/security"

	"github.com/gin-gonic/gin"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

// nodeID 决定雪花ID的节点位。多实例部署必须互不相同，否则
// 同毫秒生成的连接ID会跨实例撞车，定向投递会发错 socket。
// 显式配置优先，没配时用 主机名+pid 哈希落到 0~1023。
func nodeID() int64 {
	if v, err := strconv.ParseInt(os.Getenv("GATEWAY_NODE_ID"), 10, 64); err == nil {
		return v
	}
	host, _ := os.Hostname()
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	_, _ = h.Write([]byte(strconv.Itoa(os.Getpid())))
	return int64(h.Sum32()) & 1023
}

func main() {
	ids.SetNodeID(nodeID())

	gwCfg := config.GatewayConfig{
		InstanceID:         env("GATEWAY_ID", "gw-"+ids.GenerateString()),
		RequireEncryption:  envBool("GATEWAY_REQUIRE_ENC"),
		DefaultRooms:       []string{"lobby"},
		MaxConnsPerUser:    4,
		EvictOldestOnLimit: true,
	}

	// ---- 共享基础设施 ----
	redisAddr := env("REDIS_ADDR", "127.0.0.1:6379")
	if err := storeredis.InitRedis(storeredis.Config{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	}); err != nil {
		log.Fatalf("redis init failed: %v", err)
	}
	defer storeredis.CloseRedis()

	busCfg := config.BusConfig{
		Backend:  env("BUS_BACKEND", "redis"),
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	busCfg.Norm()

	var b bus.Bus
	var err error
	switch busCfg.Backend {
	case "nats":
		busCfg.Addr = env("NATS_ADDR", "nats://127.0.0.1:4222")
		b, err = bus.NewNatsBus(busCfg)
	default:
		b, err = bus.NewRedisBus(busCfg)
	}
	if err != nil {
		log.Fatalf("bus init failed: %v", err)
	}

	jnCfg := config.JournalConfig{
		Enabled: os.Getenv("KAFKA_BROKERS") != "",
		Brokers: strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
	}
	jnCfg.Norm()

	// ---- 认证：示例用 JWT，生产替换成对账号服务的 RPC ----
	jwtOpts := security.DefaultOptions([]byte(env("JWT_SECRET", "dev-secret")))
	verify := func(ctx context.Context, cred *gateway.AuthenticatePayload) (*gateway.Identity, error) {
		claims, verr := security.Verify(jwtOpts, cred.Token)
		if verr != nil {
			return nil, verr
		}
		return &gateway.Identity{
			UserID:   claims.UserID,
			Metadata: map[string]any{"device_id": cred.DeviceID},
		}, nil
	}

	jn, err := journal.New(jnCfg, gwCfg.InstanceID)
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}

	srv, err := gateway.NewServer(gwCfg, b, gateway.Options{
		Verify:   verify,
		Presence: storage.NewPresenceStore(0),
		Journal:  jn,
	})
	if err != nil {
		log.Fatalf("gateway init failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("bus subscribe failed: %v", err)
	}
	logger.Infof("[main] gateway instance=%s bus=%s", srv.InstanceID(), busCfg.Backend)

	// ---- WebSocket 入口 ----
	ws := gateway.NewWSTransport(srv)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/gateway", ws.HandleWS)

	httpAddr := env("GATEWAY_ADDR", ":8080")
	hs := &http.Server{Addr: httpAddr, Handler: r}
	go func() {
		logger.Infof("[main] http listening on %s", httpAddr)
		if herr := hs.ListenAndServe(); herr != nil && herr != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", herr)
		}
	}()

	// ---- 裸 TCP 入口（可选）----
	tcp := gateway.NewTCPTransport(srv)
	if tcpAddr := os.Getenv("GATEWAY_TCP_ADDR"); tcpAddr != "" {
		lis, lerr := net.Listen("tcp", tcpAddr)
		if lerr != nil {
			log.Fatalf("tcp listen failed: %v", lerr)
		}
		go func() {
			logger.Infof("[main] tcp listening on %s", tcpAddr)
			if serr := tcp.Serve(lis); serr != nil {
				logger.Errorf("[main] tcp serve: %v", serr)
			}
		}()
	}

	// ---- 退出：先踢连接，再停入口，最后关总线 ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("[main] shutting down")

	srv.DisconnectAll()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(shutCtx)
	_ = tcp.Close()
	_ = srv.Close()
	_ = jn.Close()
	logger.Sync()
}
