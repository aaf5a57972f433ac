package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"marketfeed/internal/config"
	"marketfeed/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg     *config.EmailConfig
	siteURL string
	logger  *slog.Logger
	dial    func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。siteURL 用于拼接 Lot 链接。
func NewEmailNotifier(cfg *config.EmailConfig, siteURL string, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:     cfg,
		siteURL: strings.TrimRight(siteURL, "/"),
		logger:  logger,
	}
	n.dial = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Configured 报告 SMTP 配置是否齐全。
func (n *EmailNotifier) Configured() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

// Send 发送邮件通知。配置缺失或收件人为空时跳过，不视为错误。
func (n *EmailNotifier) Send(ctx context.Context, lot *model.CatalogLot, sub *model.Subscription) error {
	if !n.Configured() {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if sub == nil || strings.TrimSpace(sub.Email) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", sub.Email)
	m.SetHeader("Subject", Subject(lot))
	m.SetBody("text/html", n.buildHTMLBody(lot, sub))

	if err := n.dial(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent",
		slog.String("to", sub.Email),
		slog.String("lot_id", lot.LotID),
		slog.String("keyword", sub.Keyword))
	return nil
}

// Subject 返回提醒邮件标题。
func Subject(lot *model.CatalogLot) string {
	title := lot.Title
	if title == "" {
		title = lot.LotID
	}
	return "[marketfeed] New lot: " + title
}

// LotURL 返回 Lot 在目录 API 中的地址。
func (n *EmailNotifier) LotURL(lotID string) string {
	return n.siteURL + "/api/lots/" + url.PathEscape(lotID)
}

func (n *EmailNotifier) buildHTMLBody(lot *model.CatalogLot, sub *model.Subscription) string {
	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .price { font-size: 24px; font-weight: bold; color: #16a34a; margin: 8px 0 12px; }
  .title { font-size: 16px; margin-bottom: 8px; }
  .desc { font-size: 14px; color: #374151; margin-bottom: 16px; white-space: pre-wrap; }
  .cta { display: inline-block; padding: 12px 20px; background: #2563eb; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[marketfeed] %s</div>
    <div class="content">
      <div class="price">%s</div>
      <div class="title">%s</div>
      <div class="desc">%s</div>
      <div style="text-align:center; margin-bottom: 12px;">
        <a class="cta" href="%s" target="_blank">Open lot</a>
      </div>
      <div class="footer">Keyword: %s · Seller: %s</div>
    </div>
  </div>
</body>
</html>`

	deal := lot.Deal
	if deal == "" {
		deal = "new lot"
	}
	return fmt.Sprintf(template,
		html.EscapeString(deal),
		html.EscapeString(FormatPrice(lot.Price, lot.Currency)),
		html.EscapeString(lot.Title),
		html.EscapeString(lot.Description),
		n.LotURL(lot.LotID),
		html.EscapeString(sub.Keyword),
		html.EscapeString(lot.Seller))
}

// FormatPrice 以千分位格式化价格，未知价格返回 "price on request"。
func FormatPrice(v float64, currency string) string {
	if v <= 0 {
		return "price on request"
	}
	s := strconv.FormatInt(int64(v+0.5), 10)
	n := len(s)
	out := make([]byte, 0, n+n/3)
	for i, ch := range []byte(s) {
		out = append(out, ch)
		if (n-i-1)%3 == 0 && i != n-1 {
			out = append(out, ',')
		}
	}
	if currency == "" {
		return string(out)
	}
	return string(out) + " " + currency
}
