package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPostContactPriority(t *testing.T) {
	p := &Post{SenderUsername: "user", SenderPhone: "+123", SenderName: "name"}
	if got := p.Contact(); got != "+123" {
		t.Fatalf("phone should win, got %q", got)
	}
	p.SenderPhone = ""
	if got := p.Contact(); got != "user" {
		t.Fatalf("username should win next, got %q", got)
	}
	if got := (&Post{}).Contact(); got != "" {
		t.Fatalf("empty post should have no contact, got %q", got)
	}
}

func TestPostTimestamp(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		date time.Time
		want bool
	}{
		{"past", now.Add(-24 * time.Hour), true},
		{"future", now.Add(24 * time.Hour), false},
		{"zero", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Post{Date: tt.date}
			if got := p.HasTimestamp(now); got != tt.want {
				t.Fatalf("HasTimestamp = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLotSellerPriority(t *testing.T) {
	var lot Lot
	raw := `{"contact:viber":"viberuser","contact:phone":"+995123","seller":"manual"}`
	if err := json.Unmarshal([]byte(raw), &lot); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := lot.Seller(); got != "+995123" {
		t.Fatalf("Seller = %q, want phone", got)
	}
}

func TestLotTime(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name string
		ts   string
		want bool
	}{
		{"past", now.Add(-24 * time.Hour).Truncate(time.Second).Format(time.RFC3339), true},
		{"past naive", now.Add(-24 * time.Hour).Format("2006-01-02T15:04:05"), true},
		{"future", now.Add(24 * time.Hour).Format(time.RFC3339Nano), false},
		{"bad", "not-a-date", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Lot{Timestamp: tt.ts}
			if _, ok := l.Time(now); ok != tt.want {
				t.Fatalf("Time(%q) ok = %v, want %v", tt.ts, ok, tt.want)
			}
		})
	}
}

func TestLotJSONDropsEmptyFields(t *testing.T) {
	raw := `{
		"timestamp": "2024-05-01T10:00:00+00:00",
		"title_en": "Bike",
		"description_en": "",
		"files": [],
		"price": 120,
		"price:currency": null,
		"source:path": "chat/2024/05/1.md",
		"source:message_id": 1,
		"market:deal": "sell",
		"_id": "internal"
	}`
	var lot Lot
	if err := json.Unmarshal([]byte(raw), &lot); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if lot.Title("en") != "Bike" || lot.Description("en") != "" {
		t.Fatalf("unexpected languages: %+v %+v", lot.Titles, lot.Descriptions)
	}
	if lot.Source.MessageID != 1 || lot.Source.Path != "chat/2024/05/1.md" {
		t.Fatalf("unexpected source: %+v", lot.Source)
	}
	if p, ok := lot.Price(); !ok || p != 120 {
		t.Fatalf("price = %v %v", p, ok)
	}
	if _, ok := lot.Facets["_id"]; ok {
		t.Fatalf("internal keys must not become facets")
	}

	out, err := json.Marshal(lot)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(out)
	for _, absent := range []string{"description_en", "files", "price:currency", "_id"} {
		if strings.Contains(s, `"`+absent+`"`) {
			t.Fatalf("%s should be dropped: %s", absent, s)
		}
	}
	if !strings.Contains(s, `"market:deal":"sell"`) {
		t.Fatalf("facets must stay flat: %s", s)
	}
}

func TestLotCompleteness(t *testing.T) {
	langs := []string{"en", "ru"}
	lot := &Lot{
		Titles:       map[string]string{"en": "t", "ru": "т"},
		Descriptions: map[string]string{"en": "d"},
	}
	if lot.Complete(langs) {
		t.Fatalf("lot without ru description must be incomplete")
	}
	if got := lot.MissingLangs(langs); len(got) != 1 || got[0] != "ru" {
		t.Fatalf("MissingLangs = %v", got)
	}
	lot.Descriptions["ru"] = "о"
	if !lot.Complete(langs) {
		t.Fatalf("lot should be complete")
	}
}
