// Package catalog 维护已发布 Lot 的关系库镜像与订阅数据。
//
// 文件存储是事实来源；目录库只为 API 查询和提醒服务，随时可以从存储重建。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketfeed/internal/config"
	"marketfeed/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrUnknownDriver  = errors.New("unknown catalog driver")
	ErrInvalidKeyword = errors.New("keyword is empty")
)

// 订阅状态。
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Catalog 封装目录库连接。
type Catalog struct {
	db *gorm.DB
}

// Open 按配置打开数据库并执行自动迁移。
//
// 参数:
//
//	cfg: 目录库配置（driver 为 sqlite 或 mysql）
//
// 返回值:
//
//	*Catalog: 目录库
//	error: 连接或迁移失败返回错误
func Open(cfg config.CatalogConfig) (*Catalog, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return New(db)
}

// New 用已有连接创建目录库并迁移表结构。
func New(db *gorm.DB) (*Catalog, error) {
	if err := db.AutoMigrate(&model.CatalogLot{}, &model.Subscription{}, &model.SubscriptionHit{}, &model.User{}); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// DB 返回底层连接。
func (c *Catalog) DB() *gorm.DB { return c.db }

// Ping 检查连接可用。
func (c *Catalog) Ping(ctx context.Context) error {
	var one int
	return c.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// Close 关闭连接。
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertLot 写入或覆盖一条 Lot 镜像。
//
// 返回值:
//
//	bool: 是否为首次发布
//	error: 写入失败返回错误
func (c *Catalog) UpsertLot(ctx context.Context, lot *model.CatalogLot) (bool, error) {
	var existing model.CatalogLot
	err := c.db.WithContext(ctx).Select("id", "created_at").Where("lot_id = ?", lot.LotID).First(&existing).Error
	switch {
	case err == nil:
		lot.ID = existing.ID
		lot.CreatedAt = existing.CreatedAt
		if err := c.db.WithContext(ctx).Save(lot).Error; err != nil {
			return false, fmt.Errorf("update lot %s: %w", lot.LotID, err)
		}
		return false, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := c.db.WithContext(ctx).Create(lot).Error; err != nil {
			return false, fmt.Errorf("create lot %s: %w", lot.LotID, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("query lot %s: %w", lot.LotID, err)
	}
}

// LotIDs 返回目录库中全部 Lot ID。
func (c *Catalog) LotIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.db.WithContext(ctx).Model(&model.CatalogLot{}).Pluck("lot_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list lot ids: %w", err)
	}
	return ids, nil
}

// DeleteLots 删除指定 Lot 及其提醒记录。
func (c *Catalog) DeleteLots(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("lot_id IN ?", ids).Delete(&model.SubscriptionHit{}).Error; err != nil {
			return err
		}
		res := tx.Where("lot_id IN ?", ids).Delete(&model.CatalogLot{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete lots: %w", err)
	}
	return deleted, nil
}

// GetLot 按 Lot ID 读取镜像。
func (c *Catalog) GetLot(ctx context.Context, lotID string) (*model.CatalogLot, error) {
	var lot model.CatalogLot
	err := c.db.WithContext(ctx).Where("lot_id = ?", lotID).First(&lot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lot %s: %w", lotID, err)
	}
	return &lot, nil
}

// LotFilter 是列表查询条件，零值字段不参与过滤。
type LotFilter struct {
	Chat     string
	Seller   string
	Deal     string
	MinPrice float64 // 按 USD 估价过滤
	MaxPrice float64
	Limit    int
	Offset   int
}

// ListLots 按发布时间倒序列出 Lot。
//
// 返回值:
//
//	[]model.CatalogLot: 当前页
//	int64: 满足条件的总数
//	error: 查询失败返回错误
func (c *Catalog) ListLots(ctx context.Context, f LotFilter) ([]model.CatalogLot, int64, error) {
	q := c.db.WithContext(ctx).Model(&model.CatalogLot{})
	if f.Chat != "" {
		q = q.Where("chat = ?", f.Chat)
	}
	if f.Seller != "" {
		q = q.Where("seller = ?", f.Seller)
	}
	if f.Deal != "" {
		q = q.Where("deal = ?", f.Deal)
	}
	if f.MinPrice > 0 {
		q = q.Where("ai_price_usd >= ?", f.MinPrice)
	}
	if f.MaxPrice > 0 {
		q = q.Where("ai_price_usd > 0 AND ai_price_usd <= ?", f.MaxPrice)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count lots: %w", err)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	lots := []model.CatalogLot{}
	if err := q.Order("posted_at DESC").Order("id DESC").Limit(limit).Offset(f.Offset).Find(&lots).Error; err != nil {
		return nil, 0, fmt.Errorf("list lots: %w", err)
	}
	return lots, total, nil
}

// GetLotsByIDs 按给定顺序返回存在的 Lot。
func (c *Catalog) GetLotsByIDs(ctx context.Context, ids []string) ([]model.CatalogLot, error) {
	if len(ids) == 0 {
		return []model.CatalogLot{}, nil
	}
	var rows []model.CatalogLot
	if err := c.db.WithContext(ctx).Where("lot_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get lots: %w", err)
	}
	byID := make(map[string]model.CatalogLot, len(rows))
	for _, r := range rows {
		byID[r.LotID] = r
	}
	out := make([]model.CatalogLot, 0, len(rows))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// CreateSubscription 创建订阅。
func (c *Catalog) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	sub.Email = strings.TrimSpace(strings.ToLower(sub.Email))
	sub.Keyword = strings.TrimSpace(sub.Keyword)
	if sub.Keyword == "" {
		return ErrInvalidKeyword
	}
	if sub.Status == "" {
		sub.Status = StatusActive
	}
	if err := c.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// ListSubscriptions 列出订阅。email 为空时返回全部。
func (c *Catalog) ListSubscriptions(ctx context.Context, email string) ([]model.Subscription, error) {
	subs := []model.Subscription{}
	q := c.db.WithContext(ctx).Order("id DESC")
	if email != "" {
		q = q.Where("email = ?", strings.ToLower(strings.TrimSpace(email)))
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// SetSubscriptionStatus 更新订阅状态。
func (c *Catalog) SetSubscriptionStatus(ctx context.Context, id uint, status string) error {
	res := c.db.WithContext(ctx).Model(&model.Subscription{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update subscription %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription 删除订阅及其提醒记录。
func (c *Catalog) DeleteSubscription(ctx context.Context, id uint) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subscription_id = ?", id).Delete(&model.SubscriptionHit{}).Error; err != nil {
			return fmt.Errorf("delete hits: %w", err)
		}
		res := tx.Delete(&model.Subscription{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete subscription %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Matches 判断 Lot 是否命中订阅。
func Matches(sub *model.Subscription, lot *model.CatalogLot) bool {
	if sub.Status != StatusActive {
		return false
	}
	kw := strings.ToLower(strings.TrimSpace(sub.Keyword))
	if kw == "" {
		return false
	}
	text := strings.ToLower(lot.Title + "\n" + lot.Description)
	if !strings.Contains(text, kw) {
		return false
	}
	if sub.Deal != "" && !strings.EqualFold(sub.Deal, lot.Deal) {
		return false
	}
	if sub.MinPrice > 0 && lot.AIPriceUSD < sub.MinPrice {
		return false
	}
	if sub.MaxPrice > 0 && (lot.AIPriceUSD == 0 || lot.AIPriceUSD > sub.MaxPrice) {
		return false
	}
	return true
}

// MatchSubscriptions 返回命中 Lot 的活跃订阅。
func (c *Catalog) MatchSubscriptions(ctx context.Context, lot *model.CatalogLot) ([]model.Subscription, error) {
	var subs []model.Subscription
	if err := c.db.WithContext(ctx).Where("status = ?", StatusActive).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	var out []model.Subscription
	for i := range subs {
		if Matches(&subs[i], lot) {
			out = append(out, subs[i])
		}
	}
	return out, nil
}

// RecordHit 记录一次提醒。同一订阅同一 Lot 只记录一次。
//
// 返回值:
//
//	bool: 是否为新记录（false 表示已经提醒过）
//	error: 写入失败返回错误
func (c *Catalog) RecordHit(ctx context.Context, subID uint, lotID string) (bool, error) {
	hit := model.SubscriptionHit{SubscriptionID: subID, LotID: lotID}
	res := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&hit)
	if res.Error != nil {
		return false, fmt.Errorf("record hit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	now := time.Now()
	if err := c.db.WithContext(ctx).Model(&model.Subscription{}).Where("id = ?", subID).
		Update("last_notified_at", &now).Error; err != nil {
		return true, fmt.Errorf("touch subscription %d: %w", subID, err)
	}
	return true, nil
}

// HasHit 报告订阅是否已经就该 Lot 提醒过。
func (c *Catalog) HasHit(ctx context.Context, subID uint, lotID string) (bool, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&model.SubscriptionHit{}).
		Where("subscription_id = ? AND lot_id = ?", subID, lotID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query hit: %w", err)
	}
	return n > 0, nil
}

// Stats 是目录库概况。
type Stats struct {
	Lots          int64 `json:"lots"`
	Subscriptions int64 `json:"subscriptions"`
	Hits          int64 `json:"hits"`
}

// Stats 统计各表行数。
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	db := c.db.WithContext(ctx)
	if err := db.Model(&model.CatalogLot{}).Count(&s.Lots).Error; err != nil {
		return s, err
	}
	if err := db.Model(&model.Subscription{}).Count(&s.Subscriptions).Error; err != nil {
		return s, err
	}
	if err := db.Model(&model.SubscriptionHit{}).Count(&s.Hits).Error; err != nil {
		return s, err
	}
	return s, nil
}
