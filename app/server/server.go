package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"print-studio/app/auth"
	"print-studio/app/config"
	"print-studio/app/database"
	"print-studio/app/filewatcher"
	"print-studio/app/handler"
	"print-studio/app/logger"
	"print-studio/app/metrics"
	"print-studio/app/middleware"
	"print-studio/app/service"
	"print-studio/app/utils/instasd"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server
	db     *gorm.DB

	client      *instasd.Client
	endpoints   *service.EndpointRegistry
	tasks       *service.TaskService
	poller      *service.TaskPoller
	webhooks    *service.WebhookStore
	users       *service.UserService
	collections *service.CollectionService
	blobs       *service.BlobService
	describe    *service.DescribeService
	reconcile   *service.ReconcileService
	jwtService  *auth.JWTService
	watcher     *filewatcher.FileWatcher
}

// New 创建一个新的 Server 实例，使用全局数据库连接
func New(cfg *config.Config, log *logger.Logger) *Server {
	return NewWithDB(cfg, log, database.GetDB())
}

// NewWithDB 使用指定数据库连接创建 Server
func NewWithDB(cfg *config.Config, log *logger.Logger, db *gorm.DB) *Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.Default()

	client := instasd.New(cfg.Generation.RequestTimeout)
	endpoints := service.NewEndpointRegistry(cfg.Generation)
	tasks := service.NewTaskService(db, client, endpoints, log)

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Config:      cfg,
		Logger:      log,
		db:          db,
		client:      client,
		endpoints:   endpoints,
		tasks:       tasks,
		poller:      service.NewTaskPoller(tasks, service.PollerOptionsFromConfig(cfg.Poller), log),
		webhooks:    service.NewWebhookStore(cfg.Webhook.TTL, cfg.Webhook.CleanupInterval),
		users:       service.NewUserService(db, log),
		collections: service.NewCollectionService(db, log),
		blobs:       service.NewBlobService(cfg.Blob, client, log),
		describe:    service.NewDescribeService(cfg.OpenAI, log),
		reconcile:   service.NewReconcileService(db, tasks, cfg.Reconcile, log),
		jwtService:  auth.NewJWTService(cfg.JWT),
	}

	if endpoints.Len() == 0 {
		log.Warn("未配置任何生成模式端点，提交任务将返回 400")
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Handler 返回路由，测试使用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	if err := s.reconcile.Start(); err != nil {
		s.Logger.Errorf("启动任务补查失败: %v", err)
	}
	s.watchConfig()

	return s.http.ListenAndServe()
}

// Shutdown 停止后台任务并关闭 HTTP 服务
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.reconcile.Stop()
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.Logger.Errorf("停止配置监控失败: %v", err)
		}
	}
	if err := s.client.Close(); err != nil {
		s.Logger.Errorf("关闭任务服务客户端失败: %v", err)
	}

	// 关闭数据库连接
	if err := database.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return err
}

// watchConfig 配置文件变更时重新加载模式端点表
func (s *Server) watchConfig() {
	path := viper.ConfigFileUsed()
	if path == "" {
		return
	}

	watcher, err := filewatcher.New(path, 500*time.Millisecond, s.Logger, s.reloadEndpoints)
	if err != nil {
		s.Logger.Errorf("创建配置监控失败: %v", err)
		return
	}
	if err := watcher.Start(); err != nil {
		s.Logger.Errorf("启动配置监控失败: %v", err)
		return
	}
	s.watcher = watcher
}

func (s *Server) reloadEndpoints() {
	v := viper.GetViper()
	if err := v.ReadInConfig(); err != nil {
		s.Logger.Errorf("重新读取配置失败: %v", err)
		return
	}
	cfg, err := config.Parse(v)
	if err != nil {
		s.Logger.Errorf("新配置无效，保留当前端点: %v", err)
		return
	}
	s.endpoints.Replace(cfg.Generation)
	s.Logger.Infof("已重新加载生成模式端点，共 %d 个", s.endpoints.Len())
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	// 创建处理器实例
	generateHandler := handler.NewGenerateHandler(s.tasks, s.poller, s.Logger)
	webhookHandler := handler.NewWebhookHandler(s.webhooks, s.tasks, s.users, s.Config.Webhook.Secret, s.Config.Webhook.StreamInterval, s.Logger)
	requestHandler := handler.NewRequestHandler(s.tasks, s.blobs, s.Logger)
	imageHandler := handler.NewImageHandler(s.blobs, s.describe, s.Logger)
	collectionHandler := handler.NewCollectionHandler(s.collections)
	authHandler := handler.NewAuthHandler(s.db)

	s.gin.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if s.Config.Server.Metrics {
		metrics.MustRegister()
		s.gin.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// 本地图片存储
	if base := strings.TrimRight(s.Config.Blob.BaseURL, "/"); strings.HasPrefix(base, "/") {
		s.gin.Static(base, s.Config.Blob.Dir)
	}

	// API路由组，身份可选，由各接口自行判断
	api := s.gin.Group("/api")
	api.Use(middleware.OptionalJWTAuth(s.jwtService))
	{
		api.POST("/generate", generateHandler.Submit)
		api.GET("/generate", generateHandler.Status)
		api.GET("/generate/:task_id/events", generateHandler.Events)

		api.POST("/webhook", webhookHandler.Receive)
		api.GET("/webhook", webhookHandler.Stream)
		api.POST("/webhook/user-created", webhookHandler.UserCreated)

		api.POST("/describe-print", imageHandler.Describe)
		api.POST("/upload-image", imageHandler.Upload)
		api.POST("/verify-image", imageHandler.Verify)
		api.POST("/delete-image", imageHandler.Delete)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.jwtService))
	{
		protected.GET("/me", authHandler.Me)

		protected.GET("/requests", requestHandler.List)
		protected.GET("/requests/:task_id", requestHandler.Get)
		protected.POST("/update-task", requestHandler.UpdateTask)
		protected.POST("/check-image", requestHandler.CheckImage)

		collections := protected.Group("/collections")
		{
			collections.POST("", collectionHandler.Save)
			collections.GET("", collectionHandler.List)
			collections.GET("/all", collectionHandler.AllImages)
			collections.GET("/:id", collectionHandler.Get)
			collections.PUT("/:id", collectionHandler.Rename)
			collections.DELETE("/:id", collectionHandler.Delete)
			collections.POST("/:id/add-image", collectionHandler.AddImage)
			collections.DELETE("/:id/remove-image", collectionHandler.RemoveImage)
		}
	}
}
