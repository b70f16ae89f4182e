package bridge

import (
	"net/http/httptest"
	"testing"
)

func TestAuthorizeOpenAccess(t *testing.T) {
	p := NewAccessPolicy(nil, nil, false)
	r := httptest.NewRequest("GET", "/bridge/ws", nil)
	if !p.Authorize(r) {
		t.Error("Authorize = false with empty token list, want open access")
	}
}

func TestAuthorizeTokenList(t *testing.T) {
	p := NewAccessPolicy([]string{"alpha", "beta"}, nil, false)

	tests := []struct {
		name  string
		token string
		via   string
		want  bool
	}{
		{name: "query token", token: "alpha", via: "query", want: true},
		{name: "query airpadToken", token: "beta", via: "airpadToken", want: true},
		{name: "bearer", token: "alpha", via: "bearer", want: true},
		{name: "x-airpad-token", token: "beta", via: "header", want: true},
		{name: "x-airpad-client-token", token: "alpha", via: "client-header", want: true},
		{name: "wrong token", token: "gamma", via: "query", want: false},
		{name: "missing token", token: "", via: "none", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/bridge/ws"
			if tt.via == "query" {
				url += "?token=" + tt.token
			}
			if tt.via == "airpadToken" {
				url += "?airpadToken=" + tt.token
			}
			r := httptest.NewRequest("GET", url, nil)
			switch tt.via {
			case "bearer":
				r.Header.Set("Authorization", "Bearer "+tt.token)
			case "header":
				r.Header.Set("x-airpad-token", tt.token)
			case "client-header":
				r.Header.Set("x-airpad-client-token", tt.token)
			}
			if got := p.Authorize(r); got != tt.want {
				t.Errorf("Authorize = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractTokenPrecedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/bridge/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-bearer")
	r.Header.Set("x-airpad-token", "from-header")
	if got := ExtractToken(r); got != "from-query" {
		t.Errorf("ExtractToken = %q, want from-query", got)
	}

	r = httptest.NewRequest("GET", "/bridge/ws", nil)
	r.Header.Set("Authorization", "Bearer from-bearer")
	r.Header.Set("x-airpad-token", "from-header")
	if got := ExtractToken(r); got != "from-bearer" {
		t.Errorf("ExtractToken = %q, want from-bearer", got)
	}
}

func TestParseTokenList(t *testing.T) {
	got := ParseTokenList(" a, b ;c,,; d ")
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("ParseTokenList = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParseTokenList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAllowOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "", true},
		{"localhost", nil, "http://localhost:3000", true},
		{"loopback ip", nil, "http://127.0.0.1:8080", true},
		{"private range", nil, "http://192.168.1.20", true},
		{"public host denied by default", nil, "https://evil.example.com", false},
		{"exact match", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"wildcard all", []string{"*"}, "https://anything.example.com", true},
		{"all keyword", []string{"all"}, "https://anything.example.com", true},
		{"wildcard host", []string{"*.example.com"}, "https://app.example.com", true},
		{"wildcard miss", []string{"*.example.com"}, "https://app.other.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewAccessPolicy(nil, tt.origins, false)
			if got := p.AllowOrigin(tt.origin); got != tt.want {
				t.Errorf("AllowOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
