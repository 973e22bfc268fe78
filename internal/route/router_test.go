package route

import (
	"testing"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Employees: []config.Employee{
			{ID: "oliver", Addresses: []string{"oliver@dowhiz.com"}},
			{ID: "mia"},
			{ID: "fallback"},
		},
		Routes: []config.Route{
			{Channel: "email", Key: "Oliver@DowHiz.com", Employee: "oliver"},
			{Channel: "slack", Key: "*", Employee: "mia"},
		},
		DefaultEmployee: "fallback",
	}
}

func msg(ch channel.Channel, addr string) channel.InboundMessage {
	return channel.InboundMessage{Channel: ch, ServiceAddress: addr}
}

func TestRoute_ExactMatchNormalizesEmail(t *testing.T) {
	r := New(testConfig())
	d := r.Route(msg(channel.Email, "oliver@dowhiz.com"))
	if d.EmployeeID != "oliver" || d.Matched != "exact" {
		t.Fatalf("got %+v", d)
	}
	// Display-format differences must not matter.
	d = r.Route(msg(channel.Email, "OLIVER@dowhiz.COM"))
	if d.EmployeeID != "oliver" {
		t.Fatalf("got %+v", d)
	}
}

func TestRoute_Wildcard(t *testing.T) {
	r := New(testConfig())
	d := r.Route(msg(channel.Slack, "anything"))
	if d.EmployeeID != "mia" || d.Matched != "wildcard" {
		t.Fatalf("got %+v", d)
	}
}

func TestRoute_GlobalDefault(t *testing.T) {
	r := New(testConfig())
	d := r.Route(msg(channel.Telegram, "bot-address"))
	if d.EmployeeID != "fallback" || d.Matched != "default" {
		t.Fatalf("got %+v", d)
	}
}

func TestRoute_NoRoute(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultEmployee = ""
	r := New(cfg)
	d := r.Route(msg(channel.Telegram, "bot-address"))
	if !d.NoRoute() {
		t.Fatalf("expected no-route, got %+v", d)
	}
}

func TestRoute_EmployeeAddressImpliesEmailRoute(t *testing.T) {
	cfg := config.Config{
		Employees: []config.Employee{{ID: "oliver", Addresses: []string{"oliver@dowhiz.com"}}},
	}
	r := New(cfg)
	d := r.Route(msg(channel.Email, "oliver@dowhiz.com"))
	if d.EmployeeID != "oliver" {
		t.Fatalf("got %+v", d)
	}
}

func TestRoute_Deterministic(t *testing.T) {
	r := New(testConfig())
	m := msg(channel.Email, "oliver@dowhiz.com")
	first := r.Route(m)
	for i := 0; i < 10; i++ {
		if got := r.Route(m); got != first {
			t.Fatalf("routing not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestBlacklist(t *testing.T) {
	b := NewBlacklist([]string{"Spam+tag@Example.com"})
	if !b.Blocked(channel.Identifier{Type: channel.IdentEmail, Value: "spam@example.com"}) {
		t.Fatal("expected normalized blacklist hit")
	}
	if b.Blocked(channel.Identifier{Type: channel.IdentEmail, Value: "ok@example.com"}) {
		t.Fatal("unexpected hit")
	}
}
