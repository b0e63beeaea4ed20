package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestSend(t *testing.T) {
	var gotPath, gotUser, gotPass string
	var gotForm url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		r.ParseForm()
		gotForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{
		AccountSID: "AC123",
		AuthToken:  "secret",
		From:       "+14155238886",
		BaseURL:    srv.URL,
	}, nil)

	if err := c.Send(context.Background(), "+15551234567", "hey you"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/2010-04-01/Accounts/AC123/Messages.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotUser != "AC123" || gotPass != "secret" {
		t.Errorf("basic auth = %q/%q", gotUser, gotPass)
	}
	if got := gotForm.Get("From"); got != "whatsapp:+14155238886" {
		t.Errorf("From = %q", got)
	}
	if got := gotForm.Get("To"); got != "whatsapp:+15551234567" {
		t.Errorf("To = %q", got)
	}
	if got := gotForm.Get("Body"); got != "hey you" {
		t.Errorf("Body = %q", got)
	}
}

func TestSend_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":63016,"message":"outside the allowed window","status":400}`))
	}))
	defer srv.Close()

	c := NewClient(Config{AccountSID: "AC1", AuthToken: "t", From: "whatsapp:+1", BaseURL: srv.URL}, nil)
	err := c.Send(context.Background(), "+2", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "63016") || !strings.Contains(err.Error(), "outside the allowed window") {
		t.Errorf("error = %q", err)
	}
}

func TestAddressHelpers(t *testing.T) {
	if got := Address("whatsapp:+15551234567"); got != "+15551234567" {
		t.Errorf("Address = %q", got)
	}
	if got := Address("+15551234567"); got != "+15551234567" {
		t.Errorf("Address(bare) = %q", got)
	}
	if got := WhatsAppAddress("+1555"); got != "whatsapp:+1555" {
		t.Errorf("WhatsAppAddress = %q", got)
	}
	if got := WhatsAppAddress("whatsapp:+1555"); got != "whatsapp:+1555" {
		t.Errorf("WhatsAppAddress(prefixed) = %q", got)
	}
}

func TestValidateSignature(t *testing.T) {
	// Example from Twilio's webhook security documentation.
	const (
		authToken = "12345"
		fullURL   = "https://mycompany.com/myapp.php?foo=1&bar=2"
		want      = "0/KCTR6DLpKmkAf8muzZqo1nDgQ="
	)
	params := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}

	if got := Signature(authToken, fullURL, params); got != want {
		t.Errorf("Signature = %q, want %q", got, want)
	}
	if !ValidateSignature(authToken, fullURL, params, want) {
		t.Error("valid signature rejected")
	}
	if ValidateSignature(authToken, fullURL, params, "bogus") {
		t.Error("bad signature accepted")
	}
	if ValidateSignature(authToken, fullURL, params, "") {
		t.Error("empty signature accepted")
	}

	params.Set("Digits", "9999")
	if ValidateSignature(authToken, fullURL, params, want) {
		t.Error("signature accepted after params changed")
	}
}
