package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketfeed/internal/api/auth"
	"marketfeed/internal/api/middleware"
	"marketfeed/internal/catalog"
	"marketfeed/internal/config"
	"marketfeed/internal/model"
	"marketfeed/internal/search"
	"marketfeed/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// BatchRunner 按名称运行批量阶段。
type BatchRunner interface {
	RunBatch(ctx context.Context, name string) error
	Batches() []string
}

// Options 是 Server 的可选依赖。
type Options struct {
	Store   *store.Store  // 相似度与同卖家缓存
	Index   *search.Index // 全文检索
	Redis   *redis.Client // 健康检查
	Batches BatchRunner   // 管理接口触发批量阶段
}

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 公开接口只读目录库与缓存；订阅接口以邮箱为身份；管理接口需要 JWT。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *catalog.Catalog
	index   *search.Index
	store   *store.Store
	rdb     *redis.Client
	batches BatchRunner
	router  *gin.Engine
	auth    *auth.Handler
}

// NewServer 初始化 API 服务器并注册路由。
//
// 参数:
//
//	cfg: 配置对象
//	cat: 目录库
//	opts: 可选依赖
//	logger: 日志记录器
func NewServer(cfg *config.Config, cat *catalog.Catalog, opts Options, logger *slog.Logger) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		catalog: cat,
		index:   opts.Index,
		store:   opts.Store,
		rdb:     opts.Redis,
		batches: opts.Batches,
		router:  r,
		auth:    auth.NewHandler(cat.DB(), cfg.Security.JWTSecret, logger),
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Auth 返回认证处理器。
func (s *Server) Auth() *auth.Handler {
	return s.auth
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/login", s.auth.Login)

	pub := s.router.Group("/api")
	pub.GET("/lots", s.handleListLots)
	pub.GET("/lot/*id", s.handleGetLot)
	pub.GET("/search", s.handleSearch)
	pub.POST("/subscriptions", s.handleCreateSubscription)
	pub.GET("/subscriptions", s.handleListSubscriptions)
	pub.DELETE("/subscriptions/:id", s.handleDeleteSubscription)

	authed := s.router.Group("/admin")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.POST("/logout", s.auth.Logout)
	authed.GET("/stats", s.handleStats)

	admin := authed.Group("")
	admin.Use(middleware.RequireRole(auth.RoleAdmin))
	admin.GET("/batches", s.handleListBatches)
	admin.POST("/batches/:name", s.handleRunBatch)
	admin.GET("/subscriptions", s.handleListSubscriptions)
	admin.POST("/subscriptions/:id/status", s.handleSetSubscriptionStatus)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.catalog.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "catalog"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type lotResponse struct {
	ID          string    `json:"id"`
	Chat        string    `json:"chat"`
	Seller      string    `json:"seller"`
	Deal        string    `json:"deal,omitempty"`
	ItemType    string    `json:"item_type,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	AIPrice     float64   `json:"ai_price,omitempty"`
	AIPriceUSD  float64   `json:"ai_price_usd,omitempty"`
	Image       string    `json:"image,omitempty"`
	PostedAt    time.Time `json:"posted_at"`
	URL         string    `json:"url,omitempty"`
}

func (s *Server) toLotResponse(l *model.CatalogLot) lotResponse {
	resp := lotResponse{
		ID:          l.LotID,
		Chat:        l.Chat,
		Seller:      l.Seller,
		Deal:        l.Deal,
		ItemType:    l.ItemType,
		Title:       l.Title,
		Description: l.Description,
		Price:       l.Price,
		Currency:    l.Currency,
		AIPrice:     l.AIPrice,
		AIPriceUSD:  l.AIPriceUSD,
		Image:       l.Image,
		PostedAt:    l.PostedAt,
	}
	if site := strings.TrimRight(s.cfg.Catalog.SiteURL, "/"); site != "" {
		resp.URL = site + "/lot/" + l.LotID
	}
	return resp
}

func (s *Server) toLotResponses(rows []model.CatalogLot) []lotResponse {
	out := make([]lotResponse, len(rows))
	for i := range rows {
		out[i] = s.toLotResponse(&rows[i])
	}
	return out
}

// handleListLots 按过滤条件分页列出在架 Lot。
func (s *Server) handleListLots(c *gin.Context) {
	f := catalog.LotFilter{
		Chat:     c.Query("chat"),
		Seller:   c.Query("seller"),
		Deal:     c.Query("deal"),
		MinPrice: parseQueryFloat(c, "min_price", 0),
		MaxPrice: parseQueryFloat(c, "max_price", 0),
		Limit:    parseQueryInt(c, "limit", 50),
		Offset:   parseQueryInt(c, "offset", 0),
	}
	rows, total, err := s.catalog.ListLots(c.Request.Context(), f)
	if err != nil {
		s.logger.Error("list lots failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list lots failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": s.toLotResponses(rows), "total": total})
}

// handleGetLot 返回单个 Lot 及其相似 Lot 与同卖家 Lot。
func (s *Server) handleGetLot(c *gin.Context) {
	id := strings.Trim(c.Param("id"), "/")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lot id"})
		return
	}
	ctx := c.Request.Context()
	lot, err := s.catalog.GetLot(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "lot not found"})
		return
	}
	if err != nil {
		s.logger.Error("get lot failed", slog.String("lot_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get lot failed"})
		return
	}

	similar := []lotResponse{}
	moreUser := []lotResponse{}
	if s.store != nil {
		var simIDs []string
		for _, n := range s.store.LoadSimilar()[id] {
			simIDs = append(simIDs, n.ID)
		}
		if rows, err := s.catalog.GetLotsByIDs(ctx, simIDs); err == nil {
			similar = s.toLotResponses(rows)
		}
		if rows, err := s.catalog.GetLotsByIDs(ctx, s.store.LoadMoreUser()[id]); err == nil {
			moreUser = s.toLotResponses(rows)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"lot":       s.toLotResponse(lot),
		"similar":   similar,
		"more_user": moreUser,
	})
}

// handleSearch 全文检索在架 Lot。
func (s *Server) handleSearch(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	if s.index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search index unavailable"})
		return
	}
	limit := parseQueryInt(c, "limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	hits, err := s.index.Search(q, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	rows, err := s.catalog.GetLotsByIDs(c.Request.Context(), ids)
	if err != nil {
		s.logger.Error("load search hits failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": s.toLotResponses(rows), "hits": hits})
}

// createSubscriptionRequest 创建订阅的请求参数。
type createSubscriptionRequest struct {
	Email    string  `json:"email" binding:"required,email"`
	Keyword  string  `json:"keyword" binding:"required"`
	Deal     string  `json:"deal"`
	MinPrice float64 `json:"min_price"`
	MaxPrice float64 `json:"max_price"`
}

type subscriptionResponse struct {
	ID             uint       `json:"id"`
	Email          string     `json:"email"`
	Keyword        string     `json:"keyword"`
	Deal           string     `json:"deal,omitempty"`
	MinPrice       float64    `json:"min_price,omitempty"`
	MaxPrice       float64    `json:"max_price,omitempty"`
	Status         string     `json:"status"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`
}

func toSubscriptionResponse(sub *model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:             sub.ID,
		Email:          sub.Email,
		Keyword:        sub.Keyword,
		Deal:           sub.Deal,
		MinPrice:       sub.MinPrice,
		MaxPrice:       sub.MaxPrice,
		Status:         sub.Status,
		LastNotifiedAt: sub.LastNotifiedAt,
	}
}

// handleCreateSubscription 创建新 Lot 提醒订阅。
func (s *Server) handleCreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MinPrice < 0 || req.MaxPrice < 0 || (req.MaxPrice > 0 && req.MinPrice > req.MaxPrice) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price range"})
		return
	}
	sub := &model.Subscription{
		Email:    req.Email,
		Keyword:  req.Keyword,
		Deal:     req.Deal,
		MinPrice: req.MinPrice,
		MaxPrice: req.MaxPrice,
	}
	if err := s.catalog.CreateSubscription(c.Request.Context(), sub); err != nil {
		if errors.Is(err, catalog.ErrInvalidKeyword) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("create subscription failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create subscription failed"})
		return
	}
	s.logger.Info("subscription created",
		slog.Uint64("subscription_id", uint64(sub.ID)),
		slog.String("keyword", sub.Keyword))
	c.JSON(http.StatusCreated, toSubscriptionResponse(sub))
}

// handleListSubscriptions 按邮箱列出订阅；管理接口可省略邮箱。
func (s *Server) handleListSubscriptions(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" && !strings.HasPrefix(c.FullPath(), "/admin") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	subs, err := s.catalog.ListSubscriptions(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list subscriptions failed"})
		return
	}
	out := make([]subscriptionResponse, len(subs))
	for i := range subs {
		out[i] = toSubscriptionResponse(&subs[i])
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// handleDeleteSubscription 删除订阅，邮箱必须与订阅一致。
func (s *Server) handleDeleteSubscription(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	ctx := c.Request.Context()
	subs, err := s.catalog.ListSubscriptions(ctx, email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load subscriptions failed"})
		return
	}
	owned := false
	for _, sub := range subs {
		if sub.ID == uint(id) {
			owned = true
			break
		}
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err := s.catalog.DeleteSubscription(ctx, uint(id)); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete subscription failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// handleSetSubscriptionStatus 暂停或恢复订阅。
func (s *Server) handleSetSubscriptionStatus(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status != catalog.StatusActive && req.Status != catalog.StatusPaused {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	if err := s.catalog.SetSubscriptionStatus(c.Request.Context(), uint(id), req.Status); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update subscription failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

// handleStats 返回目录库统计。
func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := s.catalog.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	resp := gin.H{
		"lots":          st.Lots,
		"subscriptions": st.Subscriptions,
		"hits":          st.Hits,
	}
	if s.index != nil {
		if n, err := s.index.Count(); err == nil {
			resp["indexed"] = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListBatches(c *gin.Context) {
	if s.batches == nil {
		c.JSON(http.StatusOK, gin.H{"items": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": s.batches.Batches()})
}

// handleRunBatch 同步运行一个批量阶段。
func (s *Server) handleRunBatch(c *gin.Context) {
	name := c.Param("name")
	if s.batches == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "batch stages unavailable"})
		return
	}
	known := false
	for _, b := range s.batches.Batches() {
		if b == name {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown batch stage"})
		return
	}
	start := time.Now()
	if err := s.batches.RunBatch(c.Request.Context(), name); err != nil {
		s.logger.Error("batch stage failed", slog.String("stage", name), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("batch stage triggered",
		slog.String("stage", name),
		slog.Int("user_id", getUserID(c)))
	c.JSON(http.StatusOK, gin.H{"stage": name, "duration": time.Since(start).String()})
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseQueryFloat(c *gin.Context, key string, def float64) float64 {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func getUserID(c *gin.Context) int {
	return c.GetInt("userID")
}
