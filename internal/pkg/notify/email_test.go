package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"marketfeed/internal/config"
	"marketfeed/internal/model"

	"gopkg.in/gomail.v2"
)

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		v        float64
		currency string
		want     string
	}{
		{0, "USD", "price on request"},
		{950, "", "950"},
		{1500, "GEL", "1,500 GEL"},
		{1234567.6, "USD", "1,234,568 USD"},
	}
	for _, tt := range tests {
		if got := FormatPrice(tt.v, tt.currency); got != tt.want {
			t.Errorf("FormatPrice(%v, %q) = %q, want %q", tt.v, tt.currency, got, tt.want)
		}
	}
}

func TestEmailNotifier_Send(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lot := &model.CatalogLot{LotID: "market/2024/05/10-0", Title: "Sofa <blue>", Price: 300, Currency: "USD", Deal: "sell"}
	sub := &model.Subscription{Email: "buyer@example.com", Keyword: "sofa"}

	t.Run("missing config skips", func(t *testing.T) {
		n := NewEmailNotifier(&config.EmailConfig{}, "http://localhost", logger)
		n.dial = func(*gomail.Message) error { t.Fatal("should not dial"); return nil }
		if err := n.Send(context.Background(), lot, sub); err != nil {
			t.Fatalf("Send: %v", err)
		}
	})

	cfg := &config.EmailConfig{SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPUser: "u", FromEmail: "feed@example.com"}

	t.Run("sends escaped body", func(t *testing.T) {
		n := NewEmailNotifier(cfg, "http://localhost:8081/", logger)
		var sent *gomail.Message
		n.dial = func(m *gomail.Message) error { sent = m; return nil }
		if err := n.Send(context.Background(), lot, sub); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if sent == nil {
			t.Fatal("message not sent")
		}
		if got := sent.GetHeader("To"); len(got) != 1 || got[0] != sub.Email {
			t.Fatalf("To = %v", got)
		}
		if got := sent.GetHeader("Subject"); len(got) != 1 || !strings.Contains(got[0], "Sofa <blue>") {
			t.Fatalf("Subject = %v", got)
		}
		body := n.buildHTMLBody(lot, sub)
		if strings.Contains(body, "<blue>") || !strings.Contains(body, "Sofa &lt;blue&gt;") {
			t.Fatalf("title should be escaped")
		}
		if !strings.Contains(body, "300 USD") {
			t.Fatalf("price missing from body")
		}
	})

	t.Run("dial error wrapped", func(t *testing.T) {
		n := NewEmailNotifier(cfg, "", logger)
		n.dial = func(*gomail.Message) error { return errors.New("refused") }
		if err := n.Send(context.Background(), lot, sub); err == nil || !strings.Contains(err.Error(), "refused") {
			t.Fatalf("expected wrapped error, got %v", err)
		}
	})

	t.Run("lot url", func(t *testing.T) {
		n := NewEmailNotifier(cfg, "http://localhost:8081/", logger)
		if got := n.LotURL("market/2024/05/10-0"); got != "http://localhost:8081/api/lots/market%2F2024%2F05%2F10-0" {
			t.Fatalf("LotURL = %s", got)
		}
	})
}
